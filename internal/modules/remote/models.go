// Package remote implements the authenticated ledger path: a client
// issuing sequenced HTTP calls against three independently-writable
// resources (portfolio, holdings, transactions). There is no atomic
// multi-row commit; the call order and the per-step error typing are
// what keep partial failures diagnosable.
package remote

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioRow is the remote portfolio record for one identity.
// HasTraded is set on the first mutation and is what the migration
// coordinator checks instead of comparing cash against the starting
// balance (a balance can coincidentally return to the default through
// trading).
type PortfolioRow struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Cash      decimal.Decimal `json:"cash"`
	HasTraded bool            `json:"has_traded"`
	CreatedAt time.Time       `json:"created_at"`
}

// HoldingRow is one open position under a portfolio.
type HoldingRow struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	Ticker      string          `json:"ticker"`
	Quantity    int64           `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
}

// TransactionRow is one executed trade under a portfolio.
type TransactionRow struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	Ticker      string          `json:"ticker"`
	Side        string          `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
