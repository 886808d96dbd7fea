package refresh

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/paperledger/internal/events"
	"github.com/aristath/paperledger/internal/modules/ledger"
)

// Fetcher pulls the canonical ledger for an identity.
type Fetcher interface {
	FetchLedger(ctx context.Context, userID string) (ledger.Ledger, error)
}

// Refresher reconciles a cached projection against the remote ledger
// in the background. Requests are fire-and-forget; when a new request
// arrives for an identity while one is in flight, the older request is
// cancelled and its response, if it still arrives, is discarded. The
// caller therefore only ever observes the most recently requested
// state.
type Refresher struct {
	fetcher      Fetcher
	eventManager *events.Manager
	apply        func(userID string, l ledger.Ledger)
	log          zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*request
}

type request struct {
	cancel context.CancelFunc
	seq    uint64
}

// New creates a refresher. The apply callback receives each accepted
// result; it must be safe for concurrent use with the caller's writes.
func New(fetcher Fetcher, em *events.Manager, apply func(userID string, l ledger.Ledger), log zerolog.Logger) *Refresher {
	return &Refresher{
		fetcher:      fetcher,
		eventManager: em,
		apply:        apply,
		log:          log.With().Str("module", "refresh").Logger(),
		inflight:     make(map[string]*request),
	}
}

// Request starts a background refresh for an identity, superseding any
// refresh already in flight for it. It returns immediately.
func (r *Refresher) Request(ctx context.Context, userID string) {
	reqCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	prev := r.inflight[userID]
	var seq uint64 = 1
	if prev != nil {
		prev.cancel()
		seq = prev.seq + 1
	}
	req := &request{cancel: cancel, seq: seq}
	r.inflight[userID] = req
	r.mu.Unlock()

	go r.run(reqCtx, userID, req)
}

// CancelAll drops every in-flight refresh, typically on shutdown or
// sign-out.
func (r *Refresher) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, req := range r.inflight {
		req.cancel()
		delete(r.inflight, id)
	}
}

func (r *Refresher) run(ctx context.Context, userID string, req *request) {
	defer req.cancel()

	l, err := r.fetcher.FetchLedger(ctx, userID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("Refresh failed")
		}
		r.finish(userID, req)
		return
	}

	// The fetch may have completed in the window between a newer
	// request cancelling us and a context check; only the latest
	// request for the identity may publish its result.
	if !r.finish(userID, req) {
		r.log.Debug().Str("user_id", userID).Msg("Discarding superseded refresh result")
		return
	}

	r.apply(userID, l)
	if r.eventManager != nil {
		r.eventManager.Emit(events.RefreshCompleted, "refresh", map[string]interface{}{
			"user_id": userID,
		})
	}
	r.log.Debug().Str("user_id", userID).Msg("Refresh applied")
}

// finish removes the request from the in-flight table if it is still
// the current one, reporting whether it was.
func (r *Refresher) finish(userID string, req *request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[userID] != req {
		return false
	}
	delete(r.inflight, userID)
	return true
}
