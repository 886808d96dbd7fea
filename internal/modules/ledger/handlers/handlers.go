// Package handlers provides read-only HTTP access to the on-device
// ledger store. Unlike the portfolio routes, these always read the
// local database regardless of session state, so the device history
// stays inspectable while signed in.
package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Handler handles ledger audit HTTP requests.
type Handler struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewHandler creates a new ledger audit handler.
func NewHandler(ledgerDB *sql.DB, log zerolog.Logger) *Handler {
	return &Handler{
		ledgerDB: ledgerDB,
		log:      log.With().Str("handler", "ledger").Logger(),
	}
}

// TransactionRecord is a row from the append-only transaction log.
type TransactionRecord struct {
	ID         string    `json:"id"`
	LedgerID   string    `json:"ledger_id"`
	Ticker     string    `json:"ticker"`
	Side       string    `json:"side"`
	Quantity   int64     `json:"quantity"`
	Price      string    `json:"price"`
	Total      string    `json:"total"`
	ExecutedAt time.Time `json:"executed_at"`
}

// HandleGetTransactions handles GET /api/ledger/transactions. Supports
// ?limit= and ?ticker= filters.
func (h *Handler) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	query := `
		SELECT id, ledger_id, ticker, side, quantity, price, total, executed_at
		FROM transactions`
	args := []interface{}{}

	if ticker := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("ticker"))); ticker != "" {
		query += " WHERE ticker = ?"
		args = append(args, ticker)
	}
	query += " ORDER BY executed_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.ledgerDB.Query(query, args...)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query transactions")
		h.writeError(w, http.StatusInternalServerError, "failed to query transactions")
		return
	}
	defer rows.Close()

	records := []TransactionRecord{}
	for rows.Next() {
		var rec TransactionRecord
		var executedAt int64
		if err := rows.Scan(&rec.ID, &rec.LedgerID, &rec.Ticker, &rec.Side, &rec.Quantity, &rec.Price, &rec.Total, &executedAt); err != nil {
			h.log.Warn().Err(err).Msg("Failed to scan transaction row")
			continue
		}
		rec.ExecutedAt = time.Unix(executedAt, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		h.log.Error().Err(err).Msg("Error iterating transactions")
		h.writeError(w, http.StatusInternalServerError, "failed to read transactions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": records,
		"count":        len(records),
	})
}

// HandleGetDocument handles GET /api/ledger/document, returning the
// raw persisted ledger document.
func (h *Handler) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	var payload string
	var updatedAt int64
	err := h.ledgerDB.QueryRow("SELECT payload, updated_at FROM ledger_document WHERE id = 1").Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		h.writeError(w, http.StatusNotFound, "no ledger document persisted yet")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load ledger document")
		h.writeError(w, http.StatusInternalServerError, "failed to load ledger document")
		return
	}

	var doc json.RawMessage = []byte(payload)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"document":   doc,
		"updated_at": time.Unix(updatedAt, 0).UTC(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}
