package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NormalizeTicker canonicalizes a ticker for lookups and storage.
// Every path that keys on a ticker must go through this so "aapl" and
// "AAPL" resolve to the same position.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// ApplyBuy executes a buy against the ledger and returns the resulting
// ledger. The input is never mutated; on error the input is the still-
// valid current state.
//
// This function and ApplySell are the only place cash/position
// arithmetic happens. Both the local engine and the remote client
// delegate here so the two paths cannot diverge in rounding or
// edge-case behavior.
func ApplyBuy(l Ledger, ticker string, quantity int64, price decimal.Decimal) (Ledger, error) {
	ticker = NormalizeTicker(ticker)
	if quantity < 1 {
		return l, ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return l, ErrInvalidPrice
	}

	total := price.Mul(decimal.NewFromInt(quantity))
	if l.Cash.LessThan(total) {
		return l, ErrInsufficientFunds
	}

	out := l.Clone()
	out.Cash = out.Cash.Sub(total)

	if pos, ok := out.Positions[ticker]; ok {
		// Blended average: (oldQty*oldAvg + qty*price) / (oldQty+qty)
		oldCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity))
		newQty := pos.Quantity + quantity
		pos.AvgCost = oldCost.Add(total).Div(decimal.NewFromInt(newQty))
		pos.Quantity = newQty
		out.Positions[ticker] = pos
	} else {
		out.Positions[ticker] = Position{
			Ticker:   ticker,
			Quantity: quantity,
			AvgCost:  price,
		}
	}

	out.appendTransaction(ticker, SideBuy, quantity, price, total)
	return out, nil
}

// ApplySell executes a sell against the ledger. Selling the whole
// position removes the ticker entirely; a partial sell leaves AvgCost
// untouched (cost basis is not recomputed on the way out).
func ApplySell(l Ledger, ticker string, quantity int64, price decimal.Decimal) (Ledger, error) {
	ticker = NormalizeTicker(ticker)
	if quantity < 1 {
		return l, ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return l, ErrInvalidPrice
	}

	pos, ok := l.Positions[ticker]
	if !ok || pos.Quantity < quantity {
		return l, ErrInsufficientShares
	}

	total := price.Mul(decimal.NewFromInt(quantity))

	out := l.Clone()
	out.Cash = out.Cash.Add(total)

	if pos.Quantity == quantity {
		delete(out.Positions, ticker)
	} else {
		pos.Quantity -= quantity
		out.Positions[ticker] = pos
	}

	out.appendTransaction(ticker, SideSell, quantity, price, total)
	return out, nil
}

// RealizedGain reports the gain or loss a sell at the given price would
// realize against the position's average cost. Reported to the caller,
// never stored.
func RealizedGain(pos Position, quantity int64, price decimal.Decimal) decimal.Decimal {
	return price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(quantity))
}

// appendTransaction prepends a record so the log stays newest-first.
func (l *Ledger) appendTransaction(ticker string, side Side, quantity int64, price, total decimal.Decimal) {
	tx := Transaction{
		ID:         uuid.NewString(),
		LedgerID:   l.ID,
		Ticker:     ticker,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
		Total:      total,
		ExecutedAt: time.Now().UTC(),
	}
	l.Transactions = append([]Transaction{tx}, l.Transactions...)
}
