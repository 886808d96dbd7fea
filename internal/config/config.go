// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/aristath/paperledger/internal/modules/settings"
)

// DefaultStartingCash is the cash a fresh ledger opens with.
var DefaultStartingCash = decimal.NewFromInt(10_000_000)

// Config holds application configuration.
type Config struct {
	DataDir          string
	Port             int
	DevMode          bool
	LogLevel         string
	StartingCash     decimal.Decimal
	RemoteAPIURL     string
	RemoteAPIKey     string
	MarketDataURL    string
	MarketDataAPIKey string
	Backup           BackupConfig
}

// BackupConfig holds object-store backup configuration. Backups are
// disabled when the bucket is empty.
type BackupConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	RetentionDays   int
}

// Load reads configuration from environment variables, loading .env
// first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("LEDGER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	startingCash := DefaultStartingCash
	if raw := os.Getenv("STARTING_CASH"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.Sign() <= 0 {
			return nil, fmt.Errorf("invalid STARTING_CASH %q", raw)
		}
		startingCash = parsed
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("PORT", 8080),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		StartingCash:     startingCash,
		RemoteAPIURL:     getEnv("REMOTE_API_URL", ""),
		RemoteAPIKey:     getEnv("REMOTE_API_KEY", ""),
		MarketDataURL:    getEnv("MARKETDATA_URL", ""),
		MarketDataAPIKey: getEnv("MARKETDATA_API_KEY", ""),
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			Region:          getEnv("BACKUP_S3_REGION", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if cfg.Backup.Enabled && cfg.Backup.Bucket == "" {
		return nil, fmt.Errorf("BACKUP_S3_BUCKET is required when backups are enabled")
	}
	return cfg, nil
}

// UpdateFromSettings overrides configuration with values from the
// settings database. Settings take precedence over environment
// variables; empty settings keep the env value as fallback.
func (c *Config) UpdateFromSettings(repo *settings.Repository) error {
	marketDataURL, err := repo.Get(settings.KeyMarketDataBaseURL)
	if err != nil {
		return fmt.Errorf("failed to get %s from settings: %w", settings.KeyMarketDataBaseURL, err)
	}
	if marketDataURL != nil && *marketDataURL != "" {
		c.MarketDataURL = *marketDataURL
	}

	startingCash, err := repo.Get(settings.KeyStartingCash)
	if err != nil {
		return fmt.Errorf("failed to get %s from settings: %w", settings.KeyStartingCash, err)
	}
	if startingCash != nil && *startingCash != "" {
		parsed, err := decimal.NewFromString(*startingCash)
		if err == nil && parsed.Sign() > 0 {
			c.StartingCash = parsed
		}
	}

	backupEnabled, err := repo.GetBool(settings.KeyBackupEnabled, c.Backup.Enabled)
	if err != nil {
		return fmt.Errorf("failed to get %s from settings: %w", settings.KeyBackupEnabled, err)
	}
	c.Backup.Enabled = backupEnabled && c.Backup.Bucket != ""

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
