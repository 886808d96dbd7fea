package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/paperledger/internal/modules/ledger"
	"github.com/aristath/paperledger/internal/modules/marketdata"
)

// PositionView is a valued position as shown to the user.
type PositionView struct {
	Ticker            string          `json:"ticker" msgpack:"ticker"`
	Quantity          int64           `json:"quantity" msgpack:"quantity"`
	AvgCost           decimal.Decimal `json:"avg_cost" msgpack:"avg_cost"`
	CurrentPrice      decimal.Decimal `json:"current_price" msgpack:"current_price"`
	CostBasis         decimal.Decimal `json:"cost_basis" msgpack:"cost_basis"`
	MarketValue       decimal.Decimal `json:"market_value" msgpack:"market_value"`
	UnrealizedGain    decimal.Decimal `json:"unrealized_gain" msgpack:"unrealized_gain"`
	UnrealizedGainPct decimal.Decimal `json:"unrealized_gain_pct" msgpack:"unrealized_gain_pct"`
}

// View is the portfolio projection served to handlers. Mode reports
// which ledger backs it.
type View struct {
	Mode        string          `json:"mode" msgpack:"mode"`
	UserID      string          `json:"user_id,omitempty" msgpack:"user_id"`
	Cash        decimal.Decimal `json:"cash" msgpack:"cash"`
	MarketValue decimal.Decimal `json:"market_value" msgpack:"market_value"`
	TotalValue  decimal.Decimal `json:"total_value" msgpack:"total_value"`
	Positions   []PositionView  `json:"positions" msgpack:"positions"`
	UpdatedAt   time.Time       `json:"updated_at" msgpack:"updated_at"`
}

// buildView values a ledger with current prices. Tickers without a
// quote fall back to their average cost so the view stays total.
func buildView(ctx context.Context, mode, userID string, l ledger.Ledger, prices marketdata.PriceSource) View {
	view := View{
		Mode:      mode,
		UserID:    userID,
		Cash:      l.Cash,
		UpdatedAt: time.Now(),
	}

	tickers := make([]string, 0, len(l.Positions))
	for ticker := range l.Positions {
		tickers = append(tickers, ticker)
	}

	var quotes map[string]marketdata.Quote
	if prices != nil && len(tickers) > 0 {
		quotes, _ = prices.Quotes(ctx, tickers)
	}

	marketValue := decimal.Zero
	for _, pos := range l.Positions {
		price := pos.AvgCost
		if q, ok := quotes[pos.Ticker]; ok {
			price = q.Price
		}

		qty := decimal.NewFromInt(pos.Quantity)
		costBasis := pos.AvgCost.Mul(qty)
		value := price.Mul(qty)
		gain := value.Sub(costBasis)

		pv := PositionView{
			Ticker:         pos.Ticker,
			Quantity:       pos.Quantity,
			AvgCost:        pos.AvgCost,
			CurrentPrice:   price,
			CostBasis:      costBasis,
			MarketValue:    value,
			UnrealizedGain: gain,
		}
		if !costBasis.IsZero() {
			pv.UnrealizedGainPct = gain.Div(costBasis).Mul(decimal.NewFromInt(100)).Round(4)
		}
		view.Positions = append(view.Positions, pv)
		marketValue = marketValue.Add(value)
	}

	view.MarketValue = marketValue
	view.TotalValue = l.Cash.Add(marketValue)
	return view
}

// SnapshotRepository persists the latest projection per identity in
// the cache database, so a restart can show the last known view before
// the first refresh lands.
type SnapshotRepository struct {
	db *sql.DB
}

// SnapshotSchema creates the projection snapshot table.
const SnapshotSchema = `
CREATE TABLE IF NOT EXISTS projection_snapshots (
    identity   TEXT PRIMARY KEY,
    snapshot   BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// NewSnapshotRepository creates a snapshot repository on an open
// cache database.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save serializes and stores the view for an identity.
func (r *SnapshotRepository) Save(identity string, view View) error {
	blob, err := msgpack.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO projection_snapshots (identity, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		identity, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load returns the stored view for an identity, or (nil, nil) when
// none exists.
func (r *SnapshotRepository) Load(identity string) (*View, error) {
	var blob []byte
	err := r.db.QueryRow(`SELECT snapshot FROM projection_snapshots WHERE identity = ?`, identity).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var view View
	if err := msgpack.Unmarshal(blob, &view); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &view, nil
}

// Delete removes the stored view for an identity.
func (r *SnapshotRepository) Delete(identity string) error {
	if _, err := r.db.Exec(`DELETE FROM projection_snapshots WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
