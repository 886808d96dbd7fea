package local

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/paperledger/internal/events"
	"github.com/aristath/paperledger/internal/modules/ledger"
)

// Engine operates the ledger entirely against on-device storage, for
// unauthenticated use. No network required.
type Engine struct {
	store        *Store
	eventManager *events.Manager
	startingCash decimal.Decimal
	log          zerolog.Logger
}

// NewEngine creates a new local ledger engine.
func NewEngine(store *Store, eventManager *events.Manager, startingCash decimal.Decimal, log zerolog.Logger) *Engine {
	return &Engine{
		store:        store,
		eventManager: eventManager,
		startingCash: startingCash,
		log:          log.With().Str("component", "local_engine").Logger(),
	}
}

// Load reads the ledger from storage, creating and persisting a default
// one (configured starting cash, no positions) the first time.
func (e *Engine) Load() (ledger.Ledger, error) {
	stored, err := e.store.Load()
	if err != nil {
		return ledger.Ledger{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	fresh := ledger.New(uuid.NewString(), e.startingCash)
	if err := e.store.Save(fresh); err != nil {
		return ledger.Ledger{}, fmt.Errorf("failed to persist default ledger: %w", err)
	}

	e.log.Info().
		Str("ledger_id", fresh.ID).
		Str("starting_cash", e.startingCash.String()).
		Msg("Created default local ledger")

	return fresh, nil
}

// Buy loads the ledger, applies the trade and persists the whole new
// state as one unit. A validation failure causes no write; a storage
// failure means nothing committed.
func (e *Engine) Buy(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error) {
	return e.mutate(ticker, quantity, price, ledger.SideBuy)
}

// Sell mirrors Buy with the inverse checks.
func (e *Engine) Sell(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error) {
	return e.mutate(ticker, quantity, price, ledger.SideSell)
}

func (e *Engine) mutate(ticker string, quantity int64, price decimal.Decimal, side ledger.Side) (ledger.Ledger, error) {
	current, err := e.Load()
	if err != nil {
		return ledger.Ledger{}, err
	}

	var next ledger.Ledger
	if side == ledger.SideBuy {
		next, err = ledger.ApplyBuy(current, ticker, quantity, price)
	} else {
		next, err = ledger.ApplySell(current, ticker, quantity, price)
	}
	if err != nil {
		return current, err
	}

	if err := e.store.Save(next); err != nil {
		// Nothing committed; current remains the valid state.
		return current, err
	}

	e.log.Info().
		Str("ticker", ticker).
		Str("side", string(side)).
		Int64("quantity", quantity).
		Str("price", price.String()).
		Str("cash", next.Cash.String()).
		Msg("Local trade applied")

	e.eventManager.Emit(events.TradeExecuted, "local", map[string]interface{}{
		"ticker":   ticker,
		"side":     string(side),
		"quantity": quantity,
		"price":    price.String(),
	})
	e.eventManager.Emit(events.LedgerChanged, "local", map[string]interface{}{
		"ledger_id": next.ID,
		"cash":      next.Cash.String(),
	})

	return next, nil
}
