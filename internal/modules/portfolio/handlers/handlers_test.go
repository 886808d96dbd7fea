package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/paperledger/internal/modules/ledger"
	"github.com/aristath/paperledger/internal/modules/portfolio"
	"github.com/aristath/paperledger/internal/modules/remote"
)

var startingCash = decimal.NewFromInt(10_000_000)

type memLocal struct {
	mu     sync.Mutex
	ledger ledger.Ledger
}

func (m *memLocal) Load() (ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Clone(), nil
}

func (m *memLocal) Buy(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := ledger.ApplyBuy(m.ledger, ticker, quantity, price)
	if err != nil {
		return m.ledger.Clone(), err
	}
	m.ledger = l
	return l.Clone(), nil
}

func (m *memLocal) Sell(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := ledger.ApplySell(m.ledger, ticker, quantity, price)
	if err != nil {
		return m.ledger.Clone(), err
	}
	m.ledger = l
	return l.Clone(), nil
}

type memRemote struct {
	mu      sync.Mutex
	ledgers map[string]ledger.Ledger
}

func (m *memRemote) SetToken(string) {}

func (m *memRemote) ledgerFor(userID string) ledger.Ledger {
	l, ok := m.ledgers[userID]
	if !ok {
		l = ledger.New("p-"+userID, startingCash)
	}
	return l
}

func (m *memRemote) Buy(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*remote.PortfolioRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := ledger.ApplyBuy(m.ledgerFor(userID), ticker, quantity, price)
	if err != nil {
		return nil, err
	}
	m.ledgers[userID] = l
	return &remote.PortfolioRow{ID: l.ID, UserID: userID, Cash: l.Cash, HasTraded: true}, nil
}

func (m *memRemote) Sell(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*remote.PortfolioRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := ledger.ApplySell(m.ledgerFor(userID), ticker, quantity, price)
	if err != nil {
		return nil, err
	}
	m.ledgers[userID] = l
	return &remote.PortfolioRow{ID: l.ID, UserID: userID, Cash: l.Cash, HasTraded: true}, nil
}

func (m *memRemote) FetchLedger(ctx context.Context, userID string) (ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledgerFor(userID).Clone(), nil
}

func (m *memRemote) ListTransactions(ctx context.Context, portfolioID string, limit int) ([]remote.TransactionRow, error) {
	return nil, nil
}

func setupRouter(t *testing.T) chi.Router {
	t.Helper()
	facade, err := portfolio.NewFacade(portfolio.Config{
		Local:  &memLocal{ledger: ledger.New("local-1", startingCash)},
		Remote: &memRemote{ledgers: make(map[string]ledger.Ledger)},
	}, zerolog.Nop())
	require.NoError(t, err)

	h := NewHandler(facade, zerolog.Nop())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetPortfolioReturnsDefaultView(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/portfolio/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view portfolio.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, portfolio.ModeLocal, view.Mode)
	assert.True(t, view.Cash.Equal(startingCash))
	assert.Empty(t, view.Positions)
}

func TestBuyUpdatesPortfolio(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/portfolio/buy", TradeRequest{
		Ticker:   "005930",
		Quantity: 10,
		Price:    decimal.NewFromInt(70_000),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var view portfolio.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Cash.Equal(decimal.NewFromInt(9_300_000)))
	require.Len(t, view.Positions, 1)
	assert.Equal(t, "005930", view.Positions[0].Ticker)
}

func TestBuyRejectsInvalidBody(t *testing.T) {
	router := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/portfolio/buy", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuyRejectsMissingTicker(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/portfolio/buy", TradeRequest{
		Quantity: 10,
		Price:    decimal.NewFromInt(70_000),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsufficientFundsReturnsUnprocessable(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/portfolio/buy", TradeRequest{
		Ticker:   "005930",
		Quantity: 1000,
		Price:    decimal.NewFromInt(70_000),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "insufficient funds")
}

func TestSellWithoutPositionReturnsUnprocessable(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/portfolio/sell", TradeRequest{
		Ticker:   "005930",
		Quantity: 5,
		Price:    decimal.NewFromInt(70_000),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTransactionsEndpoint(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/portfolio/buy", TradeRequest{
		Ticker:   "005930",
		Quantity: 10,
		Price:    decimal.NewFromInt(70_000),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/portfolio/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []ledger.Transaction `json:"transactions"`
		Count        int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Transactions, 1)
	assert.Equal(t, ledger.SideBuy, body.Transactions[0].Side)
}

func TestTransactionsRejectsBadLimit(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/portfolio/transactions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/session/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["signed_in"])

	rec = doJSON(t, router, http.MethodPost, "/session/login", LoginRequest{UserID: "user-1", Token: "tok"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/session/", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["signed_in"])

	rec = doJSON(t, router, http.MethodPost, "/session/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/session/", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["signed_in"])
}

func TestLoginRequiresCredentials(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/session/login", LoginRequest{UserID: "user-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshIsAccepted(t *testing.T) {
	router := setupRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/portfolio/refresh", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
