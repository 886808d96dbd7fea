package portfolio

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
	"github.com/aristath/paperledger/internal/modules/marketdata"
	"github.com/aristath/paperledger/internal/modules/remote"
)

var startingCash = decimal.NewFromInt(10_000_000)

type fakeLocal struct {
	mu     sync.Mutex
	ledger ledger.Ledger
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{ledger: ledger.New("local-1", startingCash)}
}

func (f *fakeLocal) Load() (ledger.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ledger.Clone(), nil
}

func (f *fakeLocal) Buy(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := ledger.ApplyBuy(f.ledger, ticker, quantity, price)
	if err != nil {
		return f.ledger.Clone(), err
	}
	f.ledger = l
	return l.Clone(), nil
}

func (f *fakeLocal) Sell(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := ledger.ApplySell(f.ledger, ticker, quantity, price)
	if err != nil {
		return f.ledger.Clone(), err
	}
	f.ledger = l
	return l.Clone(), nil
}

type fakeRemote struct {
	mu      sync.Mutex
	token   string
	ledgers map[string]ledger.Ledger
	buys    int
	fetches int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{ledgers: make(map[string]ledger.Ledger)}
}

func (f *fakeRemote) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeRemote) ledgerFor(userID string) ledger.Ledger {
	l, ok := f.ledgers[userID]
	if !ok {
		l = ledger.New("p-"+userID, startingCash)
	}
	return l
}

func (f *fakeRemote) Buy(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*remote.PortfolioRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := ledger.ApplyBuy(f.ledgerFor(userID), ticker, quantity, price)
	if err != nil {
		return nil, err
	}
	f.ledgers[userID] = l
	f.buys++
	return &remote.PortfolioRow{ID: l.ID, UserID: userID, Cash: l.Cash, HasTraded: true}, nil
}

func (f *fakeRemote) Sell(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*remote.PortfolioRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := ledger.ApplySell(f.ledgerFor(userID), ticker, quantity, price)
	if err != nil {
		return nil, err
	}
	f.ledgers[userID] = l
	return &remote.PortfolioRow{ID: l.ID, UserID: userID, Cash: l.Cash, HasTraded: true}, nil
}

func (f *fakeRemote) FetchLedger(ctx context.Context, userID string) (ledger.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.ledgerFor(userID).Clone(), nil
}

func (f *fakeRemote) ListTransactions(ctx context.Context, portfolioID string, limit int) ([]remote.TransactionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []remote.TransactionRow
	for _, l := range f.ledgers {
		if l.ID != portfolioID {
			continue
		}
		for _, tx := range l.Transactions {
			rows = append(rows, remote.TransactionRow{
				ID:          tx.ID,
				PortfolioID: l.ID,
				Ticker:      tx.Ticker,
				Side:        string(tx.Side),
				Quantity:    tx.Quantity,
				Price:       tx.Price,
				Total:       tx.Total,
				ExecutedAt:  tx.ExecutedAt,
			})
		}
	}
	return rows, nil
}

type fakeMigrator struct {
	runs int
}

func (m *fakeMigrator) Run(ctx context.Context, userID string) (bool, error) {
	m.runs++
	return false, nil
}

type fixedPrices struct {
	prices map[string]decimal.Decimal
}

func (p *fixedPrices) Quote(ctx context.Context, ticker string) (marketdata.Quote, error) {
	return marketdata.Quote{Ticker: ticker, Price: p.prices[ticker]}, nil
}

func (p *fixedPrices) Quotes(ctx context.Context, tickers []string) (map[string]marketdata.Quote, error) {
	result := make(map[string]marketdata.Quote)
	for _, t := range tickers {
		if price, ok := p.prices[t]; ok {
			result[t] = marketdata.Quote{Ticker: t, Price: price}
		}
	}
	return result, nil
}

func setupFacade(t *testing.T) (*Facade, *fakeLocal, *fakeRemote, *fakeMigrator) {
	t.Helper()
	localEngine := newFakeLocal()
	remoteClient := newFakeRemote()
	migrator := &fakeMigrator{}

	f, err := NewFacade(Config{
		Local:        localEngine,
		Remote:       remoteClient,
		Migrator:     migrator,
		Prices:       &fixedPrices{prices: map[string]decimal.Decimal{"005930": decimal.NewFromInt(72_000)}},
		EventManager: events.NewManager(zerolog.Nop()),
	}, zerolog.Nop())
	require.NoError(t, err)
	return f, localEngine, remoteClient, migrator
}

func TestSignedOutTradesGoToLocalEngine(t *testing.T) {
	f, localEngine, remoteClient, _ := setupFacade(t)

	view, err := f.Buy(context.Background(), "005930", 10, decimal.NewFromInt(70_000))
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, view.Mode)
	assert.True(t, view.Cash.Equal(decimal.NewFromInt(9_300_000)))
	assert.Equal(t, 0, remoteClient.buys)

	l, _ := localEngine.Load()
	pos, ok := l.Position("005930")
	require.True(t, ok)
	assert.Equal(t, int64(10), pos.Quantity)
}

func TestViewValuesPositionsWithQuotes(t *testing.T) {
	f, _, _, _ := setupFacade(t)

	_, err := f.Buy(context.Background(), "005930", 10, decimal.NewFromInt(70_000))
	require.NoError(t, err)

	view := f.View(context.Background())
	require.Len(t, view.Positions, 1)
	pos := view.Positions[0]
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(72_000)))
	assert.True(t, pos.MarketValue.Equal(decimal.NewFromInt(720_000)))
	assert.True(t, pos.UnrealizedGain.Equal(decimal.NewFromInt(20_000)))
	assert.True(t, view.TotalValue.Equal(decimal.NewFromInt(10_020_000)))
}

func TestAuthenticateSwitchesToRemote(t *testing.T) {
	f, _, remoteClient, migrator := setupFacade(t)

	err := f.Authenticate(context.Background(), "user-1", "token-1")
	require.NoError(t, err)

	assert.Equal(t, 1, migrator.runs)
	assert.Equal(t, "token-1", remoteClient.token)

	session := f.Session()
	require.NotNil(t, session)
	assert.Equal(t, "user-1", session.UserID)

	view := f.View(context.Background())
	assert.Equal(t, ModeRemote, view.Mode)
}

func TestSignedInTradesGoToRemote(t *testing.T) {
	f, localEngine, remoteClient, _ := setupFacade(t)
	require.NoError(t, f.Authenticate(context.Background(), "user-1", "token-1"))

	view, err := f.Buy(context.Background(), "005930", 10, decimal.NewFromInt(70_000))
	require.NoError(t, err)

	assert.Equal(t, 1, remoteClient.buys)
	assert.True(t, view.Cash.Equal(decimal.NewFromInt(9_300_000)))

	// The local ledger is untouched while signed in.
	l, _ := localEngine.Load()
	assert.True(t, l.IsDefault(startingCash))
}

func TestValidationErrorsPassThroughUnchanged(t *testing.T) {
	f, _, _, _ := setupFacade(t)

	_, err := f.Sell(context.Background(), "005930", 5, decimal.NewFromInt(70_000))
	require.ErrorIs(t, err, ledger.ErrInsufficientShares)

	_, err = f.Buy(context.Background(), "005930", 0, decimal.NewFromInt(70_000))
	require.ErrorIs(t, err, ledger.ErrInvalidQuantity)
}

func TestLogoutReturnsToLocalProjection(t *testing.T) {
	f, _, remoteClient, _ := setupFacade(t)
	require.NoError(t, f.Authenticate(context.Background(), "user-1", "token-1"))

	_, err := f.Buy(context.Background(), "005930", 10, decimal.NewFromInt(70_000))
	require.NoError(t, err)

	require.NoError(t, f.Logout())

	assert.Nil(t, f.Session())
	assert.Equal(t, "", remoteClient.token)

	view := f.View(context.Background())
	assert.Equal(t, ModeLocal, view.Mode)
	assert.True(t, view.Cash.Equal(startingCash))
}

func TestRefreshReconcilesRemoteProjection(t *testing.T) {
	f, _, remoteClient, _ := setupFacade(t)
	require.NoError(t, f.Authenticate(context.Background(), "user-1", "token-1"))

	// Mutate the remote side behind the facade's back.
	remoteClient.mu.Lock()
	l, err := ledger.ApplyBuy(remoteClient.ledgerFor("user-1"), "005930", 5, decimal.NewFromInt(70_000))
	remoteClient.mu.Unlock()
	require.NoError(t, err)
	remoteClient.mu.Lock()
	remoteClient.ledgers["user-1"] = l
	remoteClient.mu.Unlock()

	f.Refresh(context.Background())

	require.Eventually(t, func() bool {
		view := f.View(context.Background())
		return view.Cash.Equal(decimal.NewFromInt(9_650_000))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransactionsSignedOutComeFromLocalLedger(t *testing.T) {
	f, _, _, _ := setupFacade(t)

	_, err := f.Buy(context.Background(), "005930", 10, decimal.NewFromInt(70_000))
	require.NoError(t, err)
	_, err = f.Sell(context.Background(), "005930", 4, decimal.NewFromInt(75_000))
	require.NoError(t, err)

	txs, err := f.Transactions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.SideSell, txs[0].Side)
	assert.Equal(t, ledger.SideBuy, txs[1].Side)
}
