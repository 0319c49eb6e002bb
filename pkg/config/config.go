// Package config provides a reusable loader for trustchain SDK configuration,
// merging a .env file with process environment variables. It is versioned so
// that applications can depend on a stable API contract.
//
// Version: v0.2.0
package config

import (
	"errors"

	"github.com/joho/godotenv"

	"github.com/synnergy/trustchain/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

var (
	errMissingAppID = errors.New("TRUSTCHAIN_APP_ID is required")
	errMissingURL   = errors.New("TRUSTCHAIN_URL is required")
)

// Config is the set of knobs a session needs to talk to a trustchain server
// and manage its local state (spec §1 "Session configuration").
type Config struct {
	// AppID identifies the application on the trustchain server.
	AppID string
	// TrustchainURL is the base URL of the trustchain server.
	TrustchainURL string
	// StoragePath is the directory the local key store is opened from.
	StoragePath string

	// PaddingMode selects the default resource-encryption padding strategy:
	// "off", "auto" (PADME), or "step".
	PaddingMode string
	// PaddingStep is the fixed padding multiple used when PaddingMode is
	// "step".
	PaddingStep int
	// ChunkSize is the default plaintext chunk size for streamed encryption.
	ChunkSize int

	// RetryInitialBackoffMS, RetryMaxBackoffMS and RetryMaxAttempts are
	// loaded from the environment but not read by session or transport:
	// session returns command errors to the caller without retrying, and the
	// transport's dial retry uses its own fixed schedule.
	RetryInitialBackoffMS int
	RetryMaxBackoffMS     int
	RetryMaxAttempts      int

	// LogLevel is the logrus level name ("debug", "info", "warn", "error").
	LogLevel string
}

// defaults holds the value each setting falls back to when its environment
// variable is unset.
func defaults() Config {
	return Config{
		StoragePath:           "./trustchain-data",
		PaddingMode:           "auto",
		PaddingStep:           4096,
		ChunkSize:             1 << 20,
		RetryInitialBackoffMS: 250,
		RetryMaxBackoffMS:     30_000,
		RetryMaxAttempts:      5,
		LogLevel:              "info",
	}
}

// Load reads a .env file (if present) then overlays process environment
// variables on top of defaults. envFile may be empty to skip the file and
// rely on the process environment alone.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, utils.Wrap(err, "load env file")
		}
	}

	cfg := defaults()
	cfg.AppID = utils.EnvOrDefault("TRUSTCHAIN_APP_ID", cfg.AppID)
	cfg.TrustchainURL = utils.EnvOrDefault("TRUSTCHAIN_URL", cfg.TrustchainURL)
	cfg.StoragePath = utils.EnvOrDefault("TRUSTCHAIN_STORAGE_PATH", cfg.StoragePath)
	cfg.PaddingMode = utils.EnvOrDefault("TRUSTCHAIN_PADDING_MODE", cfg.PaddingMode)
	cfg.PaddingStep = utils.EnvOrDefaultInt("TRUSTCHAIN_PADDING_STEP", cfg.PaddingStep)
	cfg.ChunkSize = utils.EnvOrDefaultInt("TRUSTCHAIN_CHUNK_SIZE", cfg.ChunkSize)
	cfg.RetryInitialBackoffMS = utils.EnvOrDefaultInt("TRUSTCHAIN_RETRY_INITIAL_BACKOFF_MS", cfg.RetryInitialBackoffMS)
	cfg.RetryMaxBackoffMS = utils.EnvOrDefaultInt("TRUSTCHAIN_RETRY_MAX_BACKOFF_MS", cfg.RetryMaxBackoffMS)
	cfg.RetryMaxAttempts = utils.EnvOrDefaultInt("TRUSTCHAIN_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.LogLevel = utils.EnvOrDefault("TRUSTCHAIN_LOG_LEVEL", cfg.LogLevel)

	if cfg.AppID == "" {
		return nil, utils.Wrap(errMissingAppID, "validate config")
	}
	if cfg.TrustchainURL == "" {
		return nil, utils.Wrap(errMissingURL, "validate config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration from the process environment only,
// optionally merging TRUSTCHAIN_ENV_FILE if set.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("TRUSTCHAIN_ENV_FILE", ""))
}
