package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/paperledger/internal/events"
	"github.com/aristath/paperledger/internal/modules/ledger"
)

// blockingFetcher serves ledgers one at a time, releasing each fetch
// only when the test says so.
type blockingFetcher struct {
	mu      sync.Mutex
	pending []chan ledger.Ledger
	started chan struct{}
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{started: make(chan struct{}, 8)}
}

func (f *blockingFetcher) FetchLedger(ctx context.Context, userID string) (ledger.Ledger, error) {
	release := make(chan ledger.Ledger, 1)
	f.mu.Lock()
	f.pending = append(f.pending, release)
	f.mu.Unlock()
	f.started <- struct{}{}

	select {
	case l := <-release:
		return l, nil
	case <-ctx.Done():
		return ledger.Ledger{}, ctx.Err()
	}
}

func (f *blockingFetcher) release(i int, l ledger.Ledger) {
	f.mu.Lock()
	ch := f.pending[i]
	f.mu.Unlock()
	ch <- l
}

type applyRecorder struct {
	mu      sync.Mutex
	applied []ledger.Ledger
	notify  chan struct{}
}

func newApplyRecorder() *applyRecorder {
	return &applyRecorder{notify: make(chan struct{}, 8)}
}

func (a *applyRecorder) apply(userID string, l ledger.Ledger) {
	a.mu.Lock()
	a.applied = append(a.applied, l)
	a.mu.Unlock()
	a.notify <- struct{}{}
}

func (a *applyRecorder) results() []ledger.Ledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ledger.Ledger(nil), a.applied...)
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestRequestAppliesResult(t *testing.T) {
	fetcher := newBlockingFetcher()
	recorder := newApplyRecorder()
	em := events.NewManager(zerolog.Nop())
	evCh, cancel := em.Subscribe()
	defer cancel()

	r := New(fetcher, em, recorder.apply, zerolog.Nop())
	r.Request(context.Background(), "user-1")
	waitFor(t, fetcher.started)

	fetcher.release(0, ledger.New("p-1", decimal.NewFromInt(9_000_000)))
	waitFor(t, recorder.notify)

	results := recorder.results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Cash.Equal(decimal.NewFromInt(9_000_000)))

	ev := <-evCh
	assert.Equal(t, events.RefreshCompleted, ev.Type)
}

func TestNewerRequestSupersedesOlder(t *testing.T) {
	fetcher := newBlockingFetcher()
	recorder := newApplyRecorder()
	r := New(fetcher, nil, recorder.apply, zerolog.Nop())

	r.Request(context.Background(), "user-1")
	waitFor(t, fetcher.started)
	r.Request(context.Background(), "user-1")
	waitFor(t, fetcher.started)

	// Release the newer fetch first, then the stale one.
	fetcher.release(1, ledger.New("p-1", decimal.NewFromInt(8_000_000)))
	waitFor(t, recorder.notify)
	fetcher.release(0, ledger.New("p-1", decimal.NewFromInt(5_000_000)))

	// The stale result must be discarded, never applied.
	time.Sleep(50 * time.Millisecond)
	results := recorder.results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Cash.Equal(decimal.NewFromInt(8_000_000)))
}

func TestCancelAllDropsInflightRequests(t *testing.T) {
	fetcher := newBlockingFetcher()
	recorder := newApplyRecorder()
	r := New(fetcher, nil, recorder.apply, zerolog.Nop())

	r.Request(context.Background(), "user-1")
	waitFor(t, fetcher.started)
	r.CancelAll()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recorder.results())
}

func TestIndependentIdentitiesDoNotInterfere(t *testing.T) {
	fetcher := newBlockingFetcher()
	recorder := newApplyRecorder()
	r := New(fetcher, nil, recorder.apply, zerolog.Nop())

	r.Request(context.Background(), "user-1")
	waitFor(t, fetcher.started)
	r.Request(context.Background(), "user-2")
	waitFor(t, fetcher.started)

	fetcher.release(0, ledger.New("p-1", decimal.NewFromInt(1_000)))
	waitFor(t, recorder.notify)
	fetcher.release(1, ledger.New("p-2", decimal.NewFromInt(2_000)))
	waitFor(t, recorder.notify)

	assert.Len(t, recorder.results(), 2)
}
