// Package handlers provides HTTP handlers for portfolio operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/paperledger/internal/modules/ledger"
	"github.com/aristath/paperledger/internal/modules/portfolio"
)

// Handler handles portfolio HTTP requests.
type Handler struct {
	facade *portfolio.Facade
	log    zerolog.Logger
}

// NewHandler creates a new portfolio handler.
func NewHandler(facade *portfolio.Facade, log zerolog.Logger) *Handler {
	return &Handler{
		facade: facade,
		log:    log.With().Str("handler", "portfolio").Logger(),
	}
}

// TradeRequest is the body for buy and sell orders.
type TradeRequest struct {
	Ticker   string          `json:"ticker"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// LoginRequest is the body for session login.
type LoginRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// HandleGetPortfolio returns the current valued projection.
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	view := h.facade.View(r.Context())
	h.writeJSON(w, http.StatusOK, view)
}

// HandleBuy executes a buy order.
func (h *Handler) HandleBuy(w http.ResponseWriter, r *http.Request) {
	h.handleTrade(w, r, ledger.SideBuy)
}

// HandleSell executes a sell order.
func (h *Handler) HandleSell(w http.ResponseWriter, r *http.Request) {
	h.handleTrade(w, r, ledger.SideSell)
}

func (h *Handler) handleTrade(w http.ResponseWriter, r *http.Request, side ledger.Side) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Ticker) == "" {
		h.writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	var view portfolio.View
	var err error
	if side == ledger.SideBuy {
		view, err = h.facade.Buy(r.Context(), req.Ticker, req.Quantity, req.Price)
	} else {
		view, err = h.facade.Sell(r.Context(), req.Ticker, req.Quantity, req.Price)
	}
	if err != nil {
		h.writeTradeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// HandleRefresh schedules a background reconciliation and returns
// immediately.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	h.facade.Refresh(r.Context())
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "refresh scheduled",
	})
}

// HandleGetTransactions returns recent transactions, newest first.
func (h *Handler) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	txs, err := h.facade.Transactions(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list transactions")
		h.writeError(w, http.StatusBadGateway, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// HandleLogin authenticates a user and switches the portfolio to
// remote mode.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "user_id and token are required")
		return
	}

	if err := h.facade.Authenticate(r.Context(), req.UserID, req.Token); err != nil {
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("Sign-in failed")
		h.writeError(w, http.StatusBadGateway, "failed to load remote portfolio")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "signed in",
		"user_id": req.UserID,
	})
}

// HandleLogout drops the session and returns to the local ledger.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.Logout(); err != nil {
		h.log.Error().Err(err).Msg("Sign-out failed")
		h.writeError(w, http.StatusInternalServerError, "failed to sign out")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "signed out",
	})
}

// HandleGetSession reports the current session state.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	session := h.facade.Session()
	if session == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"signed_in": false,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"signed_in": true,
		"session":   session,
	})
}

func (h *Handler) writeTradeError(w http.ResponseWriter, err error) {
	if ledger.IsValidation(err) {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var stepErr *ledger.StepError
	if errors.As(err, &stepErr) {
		h.log.Error().Err(err).Str("step", stepErr.Step).Msg("Trade partially failed")
		h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": "trade failed at step " + stepErr.Step,
			"step":  stepErr.Step,
		})
		return
	}

	h.log.Error().Err(err).Msg("Trade failed")
	h.writeError(w, http.StatusInternalServerError, "trade failed")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
