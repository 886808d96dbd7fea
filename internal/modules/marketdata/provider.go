package marketdata

import (
	"context"

	"github.com/shopspring/decimal"
)

// Quote is a point-in-time price for a ticker.
type Quote struct {
	Ticker    string          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

// Instrument carries display metadata for a ticker.
type Instrument struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Sector   string `json:"sector"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// PriceSource supplies current prices. The ledger itself never looks
// up prices; callers pass them in at trade time, and valuation views
// consult this interface.
type PriceSource interface {
	Quote(ctx context.Context, ticker string) (Quote, error)
	Quotes(ctx context.Context, tickers []string) (map[string]Quote, error)
}

// MetadataSource supplies instrument metadata for display.
type MetadataSource interface {
	Instrument(ctx context.Context, ticker string) (Instrument, error)
}
