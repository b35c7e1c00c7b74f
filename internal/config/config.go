// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/snapshot"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL         string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBConnMaxLifetime   time.Duration
	RedisURL            string // price cache (optional, uses in-memory if not set)
	LedgerDir           string
	OTelEndpoint        string
	RateLimitRPM        int
	RateLimitBurst      int
	AdminSecret         string
	CORSOrigins         []string
	APIURL              string // used by the MCP server
	RescoreInterval     time.Duration
	Watchlist           []string
	PriceCacheTTL       time.Duration
	SigmaLookbackDays   int
	HermesURL           string
	BenchmarksURL       string
	FeedsFile           string
	TokensFile          string
	PublishConfirmation time.Duration

	// Blockchain settings
	RPCURL           string // chain features are disabled when empty
	ChainID          int64
	ScorerAddress    string
	OraclePrivateKey string // Hex-encoded, with or without 0x prefix

	// Scoring
	Engine   occr.Params
	Defaults snapshot.Defaults
}

// Defaults
const (
	DefaultChainID       = 84532 // Base Sepolia
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultLedgerDir     = "./data/wallets"
	DefaultHermesURL     = "https://hermes.pyth.network"
	DefaultBenchmarksURL = "https://benchmarks.pyth.network"
	DefaultAPIURL        = "http://localhost:8080"
	DefaultRateLimitRPM  = 120
	DefaultRateBurst     = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	engine := occr.DefaultParams()
	engine.Trials = int(getEnvInt64("OCCR_MC_PATHS", int64(engine.Trials)))
	engine.HorizonDays = getEnvFloat("OCCR_MC_DT_DAYS", engine.HorizonDays)
	engine.Workers = int(getEnvInt64("OCCR_MC_WORKERS", int64(runtime.GOMAXPROCS(0))))
	engine.SeedSalt = uint64(getEnvInt64("OCCR_MC_SEED", 0))
	engine.TxCapFraction = getEnvFloat("OCCR_TX_CAP_FRAC", engine.TxCapFraction)
	engine.NewCreditWindowDays = getEnvFloat("OCCR_NC_WINDOW_DAYS", engine.NewCreditWindowDays)
	engine.Thresholds = occr.Thresholds{
		A: getEnvFloat("TIER_A_MAX", occr.DefaultThresholds.A),
		B: getEnvFloat("TIER_B_MAX", occr.DefaultThresholds.B),
		C: getEnvFloat("TIER_C_MAX", occr.DefaultThresholds.C),
	}

	defaults := snapshot.DefaultDefaults()
	defaults.Volatility = getEnvFloat("OCCR_DEFAULT_SIGMA", defaults.Volatility)
	defaults.NonLiquidatedExposure = getEnvFloat("OCCR_EXPOSURE_DEFAULT", defaults.NonLiquidatedExposure)

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DBMaxOpenConns:      int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:      int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", 5)),
		DBConnMaxLifetime:   getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", 5*time.Minute),
		RedisURL:            os.Getenv("REDIS_URL"),
		LedgerDir:           getEnv("LEDGER_DIR", DefaultLedgerDir),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateBurst)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		APIURL:              getEnv("OCCR_API_URL", DefaultAPIURL),
		RescoreInterval:     getEnvDuration("RESCORE_INTERVAL", 0),
		Watchlist:           splitList(os.Getenv("WATCHLIST")),
		PriceCacheTTL:       getEnvDuration("PRICE_CACHE_TTL", 30*time.Second),
		SigmaLookbackDays:   int(getEnvInt64("SIGMA_LOOKBACK_DAYS", 30)),
		HermesURL:           getEnv("PYTH_HERMES_URL", DefaultHermesURL),
		BenchmarksURL:       getEnv("PYTH_BENCHMARKS_URL", DefaultBenchmarksURL),
		FeedsFile:           os.Getenv("FEEDS_FILE"),
		TokensFile:          os.Getenv("TOKENS_FILE"),
		PublishConfirmation: getEnvDuration("PUBLISH_CONFIRMATION_TIMEOUT", 30*time.Second),
		RPCURL:              os.Getenv("RPC_URL"),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		ScorerAddress:       os.Getenv("SCORER_ADDRESS"),
		OraclePrivateKey:    os.Getenv("ORACLE_PRIVATE_KEY"),
		Engine:              engine,
		Defaults:            defaults,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable. Engine parameters are
// checked here so scoring never sees a bad configuration.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Defaults.Validate(); err != nil {
		return err
	}

	if c.ScorerAddress != "" && !common.IsHexAddress(c.ScorerAddress) {
		return fmt.Errorf("SCORER_ADDRESS is not a valid address")
	}

	if c.OraclePrivateKey != "" {
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.OraclePrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("ORACLE_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" || c.ScorerAddress == "" {
			return fmt.Errorf("ORACLE_PRIVATE_KEY requires RPC_URL and SCORER_ADDRESS")
		}
	}

	for _, addr := range c.Watchlist {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("WATCHLIST contains invalid address %q", addr)
		}
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	return nil
}

// ChainEnabled reports whether an RPC endpoint is configured.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != ""
}

// PublishEnabled reports whether scores can be pushed on chain.
func (c *Config) PublishEnabled() bool {
	return c.ChainEnabled() && c.ScorerAddress != "" && c.OraclePrivateKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
