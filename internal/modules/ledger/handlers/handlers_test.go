package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/paperledger/internal/events"
	"github.com/aristath/paperledger/internal/modules/local"
)

func setupRouter(t *testing.T) (chi.Router, *local.Engine) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(local.Schema)
	require.NoError(t, err)

	store := local.NewStore(db, zerolog.Nop())
	engine := local.NewEngine(store, events.NewManager(zerolog.Nop()), decimal.NewFromInt(10_000_000), zerolog.Nop())

	h := NewHandler(db, zerolog.Nop())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, engine
}

func TestGetTransactionsEmpty(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ledger/transactions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []TransactionRecord `json:"transactions"`
		Count        int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
	assert.Empty(t, body.Transactions)
}

func TestGetTransactionsNewestFirst(t *testing.T) {
	router, engine := setupRouter(t)

	_, err := engine.Buy("005930", 10, decimal.NewFromInt(70_000))
	require.NoError(t, err)
	_, err = engine.Sell("005930", 4, decimal.NewFromInt(75_000))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ledger/transactions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []TransactionRecord `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transactions, 2)
	assert.Equal(t, "SELL", body.Transactions[0].Side)
	assert.Equal(t, "BUY", body.Transactions[1].Side)
}

func TestGetTransactionsFiltersByTicker(t *testing.T) {
	router, engine := setupRouter(t)

	_, err := engine.Buy("005930", 10, decimal.NewFromInt(70_000))
	require.NoError(t, err)
	_, err = engine.Buy("000660", 5, decimal.NewFromInt(100_000))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ledger/transactions?ticker=005930", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []TransactionRecord `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transactions, 1)
	assert.Equal(t, "005930", body.Transactions[0].Ticker)
}

func TestGetTransactionsRejectsBadLimit(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ledger/transactions?limit=-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDocument(t *testing.T) {
	router, engine := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ledger/document", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	// Engine.Load persists the default document on first access; before
	// that the table is empty.
	if rec.Code == http.StatusNotFound {
		_, err := engine.Load()
		require.NoError(t, err)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/document", nil))
	}
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Document map[string]interface{} `json:"document"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Document, "cash")
}
