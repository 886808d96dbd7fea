// Command server runs the paper-trading ledger service.
//
// Startup order: configuration, logging, databases, event manager,
// domain modules (local engine, remote client, migration, facade),
// HTTP server, then the background scheduler. Shutdown reverses it on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/paperledger/internal/config"
	"github.com/aristath/paperledger/internal/database"
	"github.com/aristath/paperledger/internal/events"
	ledgerhandlers "github.com/aristath/paperledger/internal/modules/ledger/handlers"
	"github.com/aristath/paperledger/internal/modules/local"
	"github.com/aristath/paperledger/internal/modules/marketdata"
	"github.com/aristath/paperledger/internal/modules/migration"
	"github.com/aristath/paperledger/internal/modules/portfolio"
	portfoliohandlers "github.com/aristath/paperledger/internal/modules/portfolio/handlers"
	"github.com/aristath/paperledger/internal/modules/remote"
	"github.com/aristath/paperledger/internal/modules/settings"
	settingshandlers "github.com/aristath/paperledger/internal/modules/settings/handlers"
	"github.com/aristath/paperledger/internal/reliability"
	"github.com/aristath/paperledger/internal/scheduler"
	"github.com/aristath/paperledger/internal/server"
	"github.com/aristath/paperledger/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting paperledger")

	// Databases
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
		Schema:  local.Schema,
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer ledgerDB.Close()

	configDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "config.db"),
		Profile: database.ProfileStandard,
		Name:    "config",
		Schema:  settings.Schema,
	})
	if err != nil {
		return fmt.Errorf("failed to open config database: %w", err)
	}
	defer configDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
		Schema:  portfolio.SnapshotSchema,
	})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	defer cacheDB.Close()

	settingsRepo := settings.NewRepository(configDB.Conn(), log)
	if err := cfg.UpdateFromSettings(settingsRepo); err != nil {
		log.Warn().Err(err).Msg("Failed to apply settings overrides")
	}

	eventManager := events.NewManager(log)

	// Domain modules
	localStore := local.NewStore(ledgerDB.Conn(), log)
	localEngine := local.NewEngine(localStore, eventManager, cfg.StartingCash, log)

	remoteClient := remote.NewClient(remote.Config{
		BaseURL:      cfg.RemoteAPIURL,
		Token:        cfg.RemoteAPIKey,
		StartingCash: cfg.StartingCash,
		Timeout:      10 * time.Second,
	}, log)

	migrator := migration.New(localEngine, remoteClient, eventManager, cfg.StartingCash, log)

	var prices marketdata.PriceSource
	if cfg.MarketDataURL != "" {
		prices = marketdata.NewClient(cfg.MarketDataURL, cfg.MarketDataAPIKey, 5*time.Second, log)
	}

	facade, err := portfolio.NewFacade(portfolio.Config{
		Local:        localEngine,
		Remote:       remoteClient,
		Migrator:     migrator,
		Prices:       prices,
		Snapshots:    portfolio.NewSnapshotRepository(cacheDB.Conn()),
		EventManager: eventManager,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize portfolio facade: %w", err)
	}

	// Backups
	var backupService *reliability.BackupService
	if cfg.Backup.Enabled {
		store, err := reliability.NewObjectStore(context.Background(), reliability.ObjectStoreConfig{
			Endpoint:        cfg.Backup.Endpoint,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
			Bucket:          cfg.Backup.Bucket,
			Region:          cfg.Backup.Region,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize backup store: %w", err)
		}
		backupService = reliability.NewBackupService(store,
			[]reliability.Snapshotter{ledgerDB, configDB},
			cfg.DataDir, log)
	}

	// HTTP server
	srv := server.New(server.Config{
		Log:               log,
		Port:              cfg.Port,
		DevMode:           cfg.DevMode,
		DataDir:           cfg.DataDir,
		LedgerDB:          ledgerDB,
		ConfigDB:          configDB,
		CacheDB:           cacheDB,
		EventManager:      eventManager,
		PortfolioHandlers: portfoliohandlers.NewHandler(facade, log),
		SettingsHandlers:  settingshandlers.NewHandler(settingsRepo, eventManager, log),
		LedgerHandlers:    ledgerhandlers.NewHandler(ledgerDB.Conn(), log),
		BackupService:     backupService,
	})

	// Background jobs
	sched := scheduler.New(log)
	if err := registerJobs(sched, settingsRepo, facade, backupService, cfg.Backup.RetentionDays, log); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// registerJobs wires the periodic refresh and backup jobs, with
// intervals overridable through settings.
func registerJobs(sched *scheduler.Scheduler, settingsRepo *settings.Repository, facade *portfolio.Facade, backupService *reliability.BackupService, retentionDays int, log zerolog.Logger) error {
	refreshMinutes, err := settingsRepo.GetInt(settings.KeyRefreshInterval, 5)
	if err != nil {
		return err
	}
	refreshSchedule := fmt.Sprintf("0 */%d * * * *", refreshMinutes)

	err = sched.AddJob(refreshSchedule, scheduler.FuncJob{
		JobName: "portfolio_refresh",
		Fn: func() error {
			facade.Refresh(context.Background())
			return nil
		},
	})
	if err != nil {
		return err
	}

	if backupService == nil {
		return nil
	}

	backupHours, err := settingsRepo.GetInt(settings.KeyBackupInterval, 12)
	if err != nil {
		return err
	}
	backupSchedule := fmt.Sprintf("0 0 */%d * * *", backupHours)

	return sched.AddJob(backupSchedule, scheduler.FuncJob{
		JobName: "ledger_backup",
		Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := backupService.CreateAndUploadBackup(ctx); err != nil {
				return err
			}
			return backupService.RotateOldBackups(ctx, retentionDays)
		},
	})
}
