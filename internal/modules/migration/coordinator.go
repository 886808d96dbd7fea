package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/paperledger/internal/events"
	"github.com/aristath/paperledger/internal/modules/ledger"
	"github.com/aristath/paperledger/internal/modules/remote"
)

// LocalSource is the slice of the local engine the coordinator reads.
type LocalSource interface {
	Load() (ledger.Ledger, error)
}

// RemoteTarget is the slice of the remote client the coordinator
// writes.
type RemoteTarget interface {
	EnsurePortfolio(ctx context.Context, userID string) (*remote.PortfolioRow, error)
	ListHoldings(ctx context.Context, portfolioID string) ([]remote.HoldingRow, error)
	UpdatePortfolio(ctx context.Context, portfolioID string, cash decimal.Decimal, hasTraded bool) error
	CreateHolding(ctx context.Context, row remote.HoldingRow) error
	InsertTransaction(ctx context.Context, row remote.TransactionRow) error
}

// Coordinator carries a signed-out trading history into the remote
// portfolio the first time an identity authenticates. It runs at most
// once per sign-in and never retries on its own: the local history is
// untouched on failure, so the next sign-in attempts it again.
type Coordinator struct {
	local        LocalSource
	remote       RemoteTarget
	eventManager *events.Manager
	startingCash decimal.Decimal
	log          zerolog.Logger
}

// New creates a migration coordinator.
func New(local LocalSource, target RemoteTarget, em *events.Manager, startingCash decimal.Decimal, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		local:        local,
		remote:       target,
		eventManager: em,
		startingCash: startingCash,
		log:          log.With().Str("module", "migration").Logger(),
	}
}

// Run migrates the local ledger into the identity's remote portfolio
// when both sides qualify. It returns (migrated, error); (false, nil)
// means the preconditions ruled migration out, which is the common
// case and not an error.
//
// Preconditions, checked in order:
//   - the local ledger is not in its default state (there is history
//     worth carrying over)
//   - the remote portfolio has never traded and holds no positions
//     (nothing would be overwritten)
func (c *Coordinator) Run(ctx context.Context, userID string) (bool, error) {
	local, err := c.local.Load()
	if err != nil {
		return false, fmt.Errorf("failed to load local ledger: %w", err)
	}
	if local.IsDefault(c.startingCash) {
		c.log.Debug().Str("user_id", userID).Msg("Local ledger untouched, skipping migration")
		return false, nil
	}

	portfolio, err := c.remote.EnsurePortfolio(ctx, userID)
	if err != nil {
		return false, c.fail(userID, fmt.Errorf("failed to reach remote portfolio: %w", err))
	}
	if portfolio.HasTraded {
		c.log.Info().Str("user_id", userID).Msg("Remote portfolio already has history, skipping migration")
		return false, nil
	}

	holdings, err := c.remote.ListHoldings(ctx, portfolio.ID)
	if err != nil {
		return false, c.fail(userID, fmt.Errorf("failed to list remote holdings: %w", err))
	}
	if len(holdings) > 0 {
		c.log.Info().Str("user_id", userID).Msg("Remote portfolio has holdings, skipping migration")
		return false, nil
	}

	// Past this point writes begin. The sequence is not transactional;
	// a failure leaves the remote partially written but the local
	// ledger intact, and the user sees a migration failure. has_traded
	// is flipped only as the final write: until then the precondition
	// stays true and the next sign-in attempts the migration again.
	if err := c.remote.UpdatePortfolio(ctx, portfolio.ID, local.Cash, portfolio.HasTraded); err != nil {
		return false, c.fail(userID, ledger.StepFailed("update_cash", err))
	}

	for _, pos := range local.Positions {
		row := remote.HoldingRow{
			PortfolioID: portfolio.ID,
			Ticker:      pos.Ticker,
			Quantity:    pos.Quantity,
			AvgCost:     pos.AvgCost,
		}
		if err := c.remote.CreateHolding(ctx, row); err != nil {
			return false, c.fail(userID, ledger.StepFailed("create_holding", err))
		}
	}

	for _, tx := range local.Transactions {
		row := remote.TransactionRow{
			ID:          tx.ID,
			PortfolioID: portfolio.ID,
			Ticker:      tx.Ticker,
			Side:        string(tx.Side),
			Quantity:    tx.Quantity,
			Price:       tx.Price,
			Total:       tx.Total,
			ExecutedAt:  tx.ExecutedAt,
		}
		if err := c.remote.InsertTransaction(ctx, row); err != nil {
			return false, c.fail(userID, ledger.StepFailed("insert_transaction", err))
		}
	}

	if err := c.remote.UpdatePortfolio(ctx, portfolio.ID, local.Cash, true); err != nil {
		return false, c.fail(userID, ledger.StepFailed("mark_traded", err))
	}

	c.log.Info().
		Str("user_id", userID).
		Int("positions", len(local.Positions)).
		Int("transactions", len(local.Transactions)).
		Msg("Local history migrated to remote portfolio")

	if c.eventManager != nil {
		c.eventManager.Emit(events.MigrationCompleted, "migration", map[string]interface{}{
			"user_id":      userID,
			"positions":    len(local.Positions),
			"transactions": len(local.Transactions),
		})
	}
	return true, nil
}

func (c *Coordinator) fail(userID string, err error) error {
	c.log.Error().Err(err).Str("user_id", userID).Msg("Migration failed")
	if c.eventManager != nil {
		c.eventManager.Emit(events.MigrationFailed, "migration", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
	return err
}
