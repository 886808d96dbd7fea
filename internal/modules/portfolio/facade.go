package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/paperledger/internal/events"
	"github.com/aristath/paperledger/internal/modules/ledger"
	"github.com/aristath/paperledger/internal/modules/marketdata"
	"github.com/aristath/paperledger/internal/modules/refresh"
	"github.com/aristath/paperledger/internal/modules/remote"
)

// ModeLocal and ModeRemote name which ledger backs the projection.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// LocalEngine is the slice of the on-device engine the facade uses.
type LocalEngine interface {
	Load() (ledger.Ledger, error)
	Buy(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error)
	Sell(ticker string, quantity int64, price decimal.Decimal) (ledger.Ledger, error)
}

// RemoteLedger is the slice of the remote client the facade uses.
type RemoteLedger interface {
	SetToken(token string)
	Buy(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*remote.PortfolioRow, error)
	Sell(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*remote.PortfolioRow, error)
	FetchLedger(ctx context.Context, userID string) (ledger.Ledger, error)
	ListTransactions(ctx context.Context, portfolioID string, limit int) ([]remote.TransactionRow, error)
}

// Migrator carries local history to the remote side on first sign-in.
type Migrator interface {
	Run(ctx context.Context, userID string) (bool, error)
}

// Session identifies the authenticated user backing the remote mode.
type Session struct {
	UserID     string    `json:"user_id"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// Facade is the single entry point for portfolio reads and trades. It
// dispatches each operation to the local engine or the remote client
// based on session state, and it is the only writer to the cached
// projection; handlers and background refreshes all funnel through it.
type Facade struct {
	local        LocalEngine
	remote       RemoteLedger
	migrator     Migrator
	refresher    *refresh.Refresher
	prices       marketdata.PriceSource
	snapshots    *SnapshotRepository
	eventManager *events.Manager
	log          zerolog.Logger

	mu      sync.Mutex
	session *Session
	current ledger.Ledger
}

// Config wires the facade's collaborators.
type Config struct {
	Local        LocalEngine
	Remote       RemoteLedger
	Migrator     Migrator
	Prices       marketdata.PriceSource
	Snapshots    *SnapshotRepository
	EventManager *events.Manager
}

// NewFacade creates the facade and seeds the projection from the local
// engine.
func NewFacade(cfg Config, log zerolog.Logger) (*Facade, error) {
	f := &Facade{
		local:        cfg.Local,
		remote:       cfg.Remote,
		migrator:     cfg.Migrator,
		prices:       cfg.Prices,
		snapshots:    cfg.Snapshots,
		eventManager: cfg.EventManager,
		log:          log.With().Str("module", "portfolio").Logger(),
	}
	f.refresher = refresh.New(cfg.Remote, cfg.EventManager, f.applyRefreshed, log)

	l, err := cfg.Local.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load local ledger: %w", err)
	}
	f.current = l
	return f, nil
}

// Session returns the active session, or nil when signed out.
func (f *Facade) Session() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	s := *f.session
	return &s
}

// View builds the current valued projection and stores it as the
// latest snapshot for the identity.
func (f *Facade) View(ctx context.Context) View {
	f.mu.Lock()
	mode, userID := f.modeLocked()
	l := f.current.Clone()
	f.mu.Unlock()

	view := buildView(ctx, mode, userID, l, f.prices)
	if f.snapshots != nil {
		if err := f.snapshots.Save(f.identity(mode, userID), view); err != nil {
			f.log.Warn().Err(err).Msg("Failed to store projection snapshot")
		}
	}
	return view
}

// CachedView returns the last stored projection for the current
// identity without touching price sources, or nil when none exists.
func (f *Facade) CachedView() *View {
	if f.snapshots == nil {
		return nil
	}
	f.mu.Lock()
	mode, userID := f.modeLocked()
	f.mu.Unlock()

	view, err := f.snapshots.Load(f.identity(mode, userID))
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to load projection snapshot")
		return nil
	}
	return view
}

// Buy executes a buy against whichever ledger backs the session.
func (f *Facade) Buy(ctx context.Context, ticker string, quantity int64, price decimal.Decimal) (View, error) {
	return f.trade(ctx, ticker, quantity, price, ledger.SideBuy)
}

// Sell executes a sell against whichever ledger backs the session.
func (f *Facade) Sell(ctx context.Context, ticker string, quantity int64, price decimal.Decimal) (View, error) {
	return f.trade(ctx, ticker, quantity, price, ledger.SideSell)
}

func (f *Facade) trade(ctx context.Context, ticker string, quantity int64, price decimal.Decimal, side ledger.Side) (View, error) {
	f.mu.Lock()
	session := f.session
	if session == nil {
		l, err := f.localTrade(ticker, quantity, price, side)
		if err != nil {
			f.mu.Unlock()
			return View{}, err
		}
		f.current = l
		f.mu.Unlock()
		return f.View(ctx), nil
	}
	userID := session.UserID
	f.mu.Unlock()

	var err error
	if side == ledger.SideBuy {
		_, err = f.remote.Buy(ctx, userID, ticker, quantity, price)
	} else {
		_, err = f.remote.Sell(ctx, userID, ticker, quantity, price)
	}
	if err != nil {
		// A partial write may have landed; schedule a refresh so the
		// projection converges on whatever the remote now holds.
		if !ledger.IsValidation(err) {
			f.refresher.Request(context.WithoutCancel(ctx), userID)
		}
		return View{}, err
	}

	// Optimistic projection update; the scheduled refresh reconciles
	// against the canonical rows shortly after.
	f.mu.Lock()
	if f.session != nil && f.session.UserID == userID {
		var applied ledger.Ledger
		var applyErr error
		if side == ledger.SideBuy {
			applied, applyErr = ledger.ApplyBuy(f.current, ticker, quantity, price)
		} else {
			applied, applyErr = ledger.ApplySell(f.current, ticker, quantity, price)
		}
		if applyErr == nil {
			f.current = applied
		}
	}
	f.mu.Unlock()

	f.emit(events.TradeExecuted, map[string]interface{}{
		"ticker":   ticker,
		"side":     string(side),
		"quantity": quantity,
		"price":    price.String(),
	})
	f.refresher.Request(context.WithoutCancel(ctx), userID)
	return f.View(ctx), nil
}

// localTrade runs under f.mu.
func (f *Facade) localTrade(ticker string, quantity int64, price decimal.Decimal, side ledger.Side) (ledger.Ledger, error) {
	if side == ledger.SideBuy {
		return f.local.Buy(ticker, quantity, price)
	}
	return f.local.Sell(ticker, quantity, price)
}

// Transactions returns recent transaction history, newest first.
func (f *Facade) Transactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	f.mu.Lock()
	session := f.session
	current := f.current.Clone()
	f.mu.Unlock()

	if session == nil {
		txs := current.Transactions
		if limit > 0 && len(txs) > limit {
			txs = txs[:limit]
		}
		return txs, nil
	}

	rows, err := f.remote.ListTransactions(ctx, current.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	txs := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, ledger.Transaction{
			ID:         row.ID,
			LedgerID:   row.PortfolioID,
			Ticker:     row.Ticker,
			Side:       ledger.Side(row.Side),
			Quantity:   row.Quantity,
			Price:      row.Price,
			Total:      row.Total,
			ExecutedAt: row.ExecutedAt,
		})
	}
	return txs, nil
}

// Authenticate switches the facade to remote mode for a user: it sets
// the bearer token, runs the one-shot migration, and loads the remote
// ledger into the projection. A migration failure is reported through
// events but does not block sign-in; the local history stays intact
// for the next attempt.
func (f *Facade) Authenticate(ctx context.Context, userID, token string) error {
	f.remote.SetToken(token)

	if f.migrator != nil {
		if migrated, err := f.migrator.Run(ctx, userID); err != nil {
			f.log.Error().Err(err).Str("user_id", userID).Msg("Migration did not complete")
		} else if migrated {
			f.log.Info().Str("user_id", userID).Msg("Local history migrated")
		}
	}

	l, err := f.remote.FetchLedger(ctx, userID)
	if err != nil {
		f.remote.SetToken("")
		return fmt.Errorf("failed to load remote ledger: %w", err)
	}

	f.mu.Lock()
	f.session = &Session{UserID: userID, SignedInAt: time.Now()}
	f.current = l
	f.mu.Unlock()

	f.emit(events.SessionChanged, map[string]interface{}{
		"signed_in": true,
		"user_id":   userID,
	})
	f.log.Info().Str("user_id", userID).Msg("Signed in, projection now remote")
	return nil
}

// Logout drops the session and returns the projection to the local
// ledger. In-flight refreshes for the old identity are cancelled.
func (f *Facade) Logout() error {
	f.refresher.CancelAll()
	f.remote.SetToken("")

	l, err := f.local.Load()
	if err != nil {
		return fmt.Errorf("failed to reload local ledger: %w", err)
	}

	f.mu.Lock()
	f.session = nil
	f.current = l
	f.mu.Unlock()

	f.emit(events.SessionChanged, map[string]interface{}{
		"signed_in": false,
	})
	f.log.Info().Msg("Signed out, projection now local")
	return nil
}

// Refresh schedules a background reconciliation against the remote
// ledger. Signed out it reloads from local storage instead. It never
// blocks on the network.
func (f *Facade) Refresh(ctx context.Context) {
	f.mu.Lock()
	session := f.session
	f.mu.Unlock()

	if session != nil {
		f.refresher.Request(context.WithoutCancel(ctx), session.UserID)
		return
	}

	l, err := f.local.Load()
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to reload local ledger")
		return
	}
	f.mu.Lock()
	if f.session == nil {
		f.current = l
	}
	f.mu.Unlock()
}

// applyRefreshed receives reconciled ledgers from the refresher. A
// result for an identity that signed out while the fetch was in flight
// is dropped.
func (f *Facade) applyRefreshed(userID string, l ledger.Ledger) {
	f.mu.Lock()
	if f.session == nil || f.session.UserID != userID {
		f.mu.Unlock()
		f.log.Debug().Str("user_id", userID).Msg("Dropping refresh for inactive session")
		return
	}
	f.current = l
	f.mu.Unlock()

	f.emit(events.LedgerChanged, map[string]interface{}{
		"source": "refresh",
	})
}

func (f *Facade) modeLocked() (mode, userID string) {
	if f.session != nil {
		return ModeRemote, f.session.UserID
	}
	return ModeLocal, ""
}

func (f *Facade) identity(mode, userID string) string {
	if mode == ModeRemote {
		return userID
	}
	return ModeLocal
}

func (f *Facade) emit(eventType events.EventType, data map[string]interface{}) {
	if f.eventManager != nil {
		f.eventManager.Emit(eventType, "portfolio", data)
	}
}
