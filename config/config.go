package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"futuresRiskBot/internal/adapters/logger" // Import the logger package for LogLevel
	"futuresRiskBot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Exchange
	PaperTrading bool
	APIKey       string
	SecretKey    string
	IsTestnet    bool
	QuoteAsset   string

	// Retry policy of the exchange adapter
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// Live mode only: how often engine positions are checked against the exchange
	SyncInterval time.Duration

	// Paper exchange
	PaperInitialBalance float64
	PaperSlippageBps    float64

	// Risk
	RiskToleranceLevel        string // conservative | balanced | aggressive
	MaxPositions              int
	MaxSymbolPositions        int
	MaxStrategyPositions      int
	HistorySize               int
	DefaultRiskPerTrade       float64 // percent of balance
	ProfitTarget              float64 // percent; 0 derives the target from volatility and leverage
	StopLossDefault           float64 // percent; 0 derives the stop from volatility and leverage
	MinOpportunityScore       float64
	EnableFractionalContracts bool

	// Leverage matrix bounds
	EnableFractionalLeverage bool
	MinLeverage              float64
	MaxLeverage              float64
	MaxLeverageUnderHighVol  float64
	MinLiquidity             float64
	MaxMomentumImpact        float64

	// Advisory signal
	AdvisoryMode   string // neutral | hashed
	AdvisoryFloor  float64
	AdvisoryCeil   float64
	AdvisoryBucket time.Duration
	AdvisorySeed   uint64

	// Feed
	OpportunityFeedPath string // empty reads stdin

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel

	// Observability
	MetricsAddr string // empty disables the /metrics server
	EventBuffer int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()
	return load()
}

func load() (*Config, error) {
	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Exchange
	cfg.PaperTrading = getEnvAsBool("PAPER_TRADING", true)
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	if !cfg.PaperTrading {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set when PAPER_TRADING is false")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set when PAPER_TRADING is false")
		}
	}

	cfg.RetryMaxAttempts, err = getEnvAsIntRequired("RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RETRY_MAX_ATTEMPTS: %v", err))
	} else if cfg.RetryMaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be positive")
	}

	retryDelayMs, err := getEnvAsIntRequired("RETRY_BASE_DELAY_MS", 500)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RETRY_BASE_DELAY_MS: %v", err))
	} else if retryDelayMs <= 0 {
		errs = append(errs, "RETRY_BASE_DELAY_MS must be positive")
	}
	cfg.RetryBaseDelay = time.Duration(retryDelayMs) * time.Millisecond

	syncSeconds := getEnvAsInt("SYNC_INTERVAL_SECONDS", 30)
	if syncSeconds < 0 {
		errs = append(errs, "SYNC_INTERVAL_SECONDS cannot be negative")
	}
	cfg.SyncInterval = time.Duration(syncSeconds) * time.Second

	cfg.PaperInitialBalance, err = getEnvAsFloatRequired("PAPER_INITIAL_BALANCE", 10000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_INITIAL_BALANCE: %v", err))
	} else if cfg.PaperInitialBalance < 0 {
		errs = append(errs, "PAPER_INITIAL_BALANCE cannot be negative")
	}
	cfg.PaperSlippageBps = getEnvAsFloat("PAPER_SLIPPAGE_BPS", 2)

	// Risk
	cfg.RiskToleranceLevel = strings.ToLower(getEnv("RISK_TOLERANCE_LEVEL", domain.ProfileBalanced))
	switch cfg.RiskToleranceLevel {
	case domain.ProfileConservative, domain.ProfileBalanced, domain.ProfileAggressive:
	default:
		errs = append(errs, fmt.Sprintf("RISK_TOLERANCE_LEVEL must be conservative, balanced or aggressive, got %q", cfg.RiskToleranceLevel))
	}

	cfg.MaxPositions, err = getEnvAsIntRequired("MAX_POSITIONS", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITIONS: %v", err))
	} else if cfg.MaxPositions <= 0 {
		errs = append(errs, "MAX_POSITIONS must be positive")
	}

	cfg.MaxSymbolPositions, err = getEnvAsIntRequired("MAX_SYMBOL_POSITIONS", 2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_SYMBOL_POSITIONS: %v", err))
	} else if cfg.MaxSymbolPositions <= 0 {
		errs = append(errs, "MAX_SYMBOL_POSITIONS must be positive")
	}

	cfg.MaxStrategyPositions, err = getEnvAsIntRequired("MAX_STRATEGY_POSITIONS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_STRATEGY_POSITIONS: %v", err))
	} else if cfg.MaxStrategyPositions <= 0 {
		errs = append(errs, "MAX_STRATEGY_POSITIONS must be positive")
	}

	cfg.HistorySize = getEnvAsInt("HISTORY_SIZE", 100)
	if cfg.HistorySize <= 0 {
		errs = append(errs, "HISTORY_SIZE must be positive")
	}

	cfg.DefaultRiskPerTrade, err = getEnvAsFloatRequired("DEFAULT_RISK_PER_TRADE", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_RISK_PER_TRADE: %v", err))
	} else if cfg.DefaultRiskPerTrade <= 0 || cfg.DefaultRiskPerTrade > 100 {
		errs = append(errs, "DEFAULT_RISK_PER_TRADE must be within (0, 100]")
	}

	cfg.ProfitTarget, err = getEnvAsFloatRequired("PROFIT_TARGET", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PROFIT_TARGET: %v", err))
	} else if cfg.ProfitTarget < 0 {
		errs = append(errs, "PROFIT_TARGET cannot be negative")
	}

	cfg.StopLossDefault, err = getEnvAsFloatRequired("STOP_LOSS_DEFAULT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_DEFAULT: %v", err))
	} else if cfg.StopLossDefault < 0 || cfg.StopLossDefault >= 100 {
		errs = append(errs, "STOP_LOSS_DEFAULT must be within [0, 100)")
	}

	cfg.MinOpportunityScore, err = getEnvAsFloatRequired("MIN_OPPORTUNITY_SCORE", 0.3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_OPPORTUNITY_SCORE: %v", err))
	} else if cfg.MinOpportunityScore < 0 || cfg.MinOpportunityScore > 1 {
		errs = append(errs, "MIN_OPPORTUNITY_SCORE must be within [0, 1]")
	}

	cfg.EnableFractionalContracts = getEnvAsBool("ENABLE_FRACTIONAL_CONTRACTS", true)

	// Leverage matrix bounds. Cross-field checks live in risk.MatrixConfig.Validate.
	cfg.EnableFractionalLeverage = getEnvAsBool("ENABLE_FRACTIONAL_LEVERAGE", false)
	for _, f := range []struct {
		key string
		dst *float64
		def float64
	}{
		{"MIN_LEVERAGE", &cfg.MinLeverage, 1},
		{"MAX_LEVERAGE", &cfg.MaxLeverage, 25},
		{"MAX_LEVERAGE_UNDER_HIGH_VOL", &cfg.MaxLeverageUnderHighVol, 10},
		{"MIN_LIQUIDITY", &cfg.MinLiquidity, 0.2},
		{"MAX_MOMENTUM_IMPACT", &cfg.MaxMomentumImpact, 0.25},
	} {
		*f.dst, err = getEnvAsFloatRequired(f.key, f.def)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", f.key, err))
		}
	}

	// Advisory signal
	cfg.AdvisoryMode = strings.ToLower(getEnv("ADVISORY_MODE", "neutral"))
	if cfg.AdvisoryMode != "neutral" && cfg.AdvisoryMode != "hashed" {
		errs = append(errs, fmt.Sprintf("ADVISORY_MODE must be neutral or hashed, got %q", cfg.AdvisoryMode))
	}
	cfg.AdvisoryFloor = getEnvAsFloat("ADVISORY_FLOOR", 0.8)
	cfg.AdvisoryCeil = getEnvAsFloat("ADVISORY_CEIL", 1.2)
	if cfg.AdvisoryFloor > cfg.AdvisoryCeil {
		errs = append(errs, "ADVISORY_FLOOR must not exceed ADVISORY_CEIL")
	}
	cfg.AdvisoryBucket = time.Duration(getEnvAsInt("ADVISORY_BUCKET_MINUTES", 60)) * time.Minute
	if cfg.AdvisoryBucket <= 0 {
		errs = append(errs, "ADVISORY_BUCKET_MINUTES must be positive")
	}
	seed, err := strconv.ParseUint(getEnv("ADVISORY_SEED", "0"), 10, 64)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ADVISORY_SEED: %v", err))
	}
	cfg.AdvisorySeed = seed

	// Feed
	cfg.OpportunityFeedPath = getEnv("OPPORTUNITY_FEED_PATH", "")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/futures_risk.db")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Observability
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")
	cfg.EventBuffer = getEnvAsInt("EVENT_BUFFER", 256)
	if cfg.EventBuffer <= 0 {
		errs = append(errs, "EVENT_BUFFER must be positive")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
