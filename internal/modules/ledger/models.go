// Package ledger provides the core portfolio ledger types and the pure
// trade-application arithmetic shared by the local and remote engines.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position is an open holding of a single ticker. AvgCost is the blended
// average price paid per unit, not a market price.
type Position struct {
	Ticker   string          `json:"ticker"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// Transaction is an immutable record of an executed trade.
// Total is always Quantity * Price at creation time.
type Transaction struct {
	ID         string          `json:"id"`
	LedgerID   string          `json:"ledger_id"`
	Ticker     string          `json:"ticker"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Total      decimal.Decimal `json:"total"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Ledger holds cash, open positions and the transaction log for one
// identity (anonymous device or authenticated user).
//
// Invariants:
//   - Cash is never negative.
//   - A ticker appears in Positions iff its quantity is > 0.
//   - Transactions are ordered newest first.
type Ledger struct {
	ID           string              `json:"id"`
	Cash         decimal.Decimal     `json:"cash"`
	Positions    map[string]Position `json:"positions"`
	Transactions []Transaction       `json:"transactions"`
}

// New creates an empty ledger with the given starting cash.
func New(id string, startingCash decimal.Decimal) Ledger {
	return Ledger{
		ID:        id,
		Cash:      startingCash,
		Positions: make(map[string]Position),
	}
}

// IsDefault reports whether the ledger has never been traded against:
// no open positions, no transactions and the given starting cash.
func (l Ledger) IsDefault(startingCash decimal.Decimal) bool {
	return len(l.Positions) == 0 && len(l.Transactions) == 0 && l.Cash.Equal(startingCash)
}

// Clone returns a deep copy. ApplyBuy and ApplySell never mutate their
// input; callers get a fresh ledger back on success.
func (l Ledger) Clone() Ledger {
	out := l
	out.Positions = make(map[string]Position, len(l.Positions))
	for ticker, pos := range l.Positions {
		out.Positions[ticker] = pos
	}
	out.Transactions = make([]Transaction, len(l.Transactions))
	copy(out.Transactions, l.Transactions)
	return out
}

// Position returns the open position for a ticker, if any.
func (l Ledger) Position(ticker string) (Position, bool) {
	pos, ok := l.Positions[ticker]
	return pos, ok
}

// MarketValue returns the sum of position quantities priced with the
// supplied price lookup, plus cash. Tickers without a known price
// contribute nothing. Display helper only; never used by trade math.
func (l Ledger) MarketValue(priceOf func(ticker string) (decimal.Decimal, bool)) decimal.Decimal {
	total := l.Cash
	for ticker, pos := range l.Positions {
		price, ok := priceOf(ticker)
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return total
}
