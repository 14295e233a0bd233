package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresRiskBot/internal/adapters/logger"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load()
	require.NoError(t, err)

	assert.True(t, cfg.PaperTrading)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, "balanced", cfg.RiskToleranceLevel)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 10, cfg.MaxPositions)
	assert.Equal(t, 2, cfg.MaxSymbolPositions)
	assert.Equal(t, 3, cfg.MaxStrategyPositions)
	assert.Equal(t, 100, cfg.HistorySize)
	assert.Equal(t, 0.3, cfg.MinOpportunityScore)
	assert.Equal(t, 1.0, cfg.MinLeverage)
	assert.Equal(t, 25.0, cfg.MaxLeverage)
	assert.Equal(t, 10.0, cfg.MaxLeverageUnderHighVol)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, time.Hour, cfg.AdvisoryBucket)
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RISK_TOLERANCE_LEVEL", "Aggressive")
	t.Setenv("MAX_POSITIONS", "4")
	t.Setenv("MAX_LEVERAGE", "50")
	t.Setenv("ENABLE_FRACTIONAL_CONTRACTS", "false")
	t.Setenv("ADVISORY_MODE", "hashed")
	t.Setenv("ADVISORY_SEED", "42")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := load()
	require.NoError(t, err)

	assert.Equal(t, "aggressive", cfg.RiskToleranceLevel)
	assert.Equal(t, 4, cfg.MaxPositions)
	assert.Equal(t, 50.0, cfg.MaxLeverage)
	assert.False(t, cfg.EnableFractionalContracts)
	assert.Equal(t, "hashed", cfg.AdvisoryMode)
	assert.Equal(t, uint64(42), cfg.AdvisorySeed)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
}

func TestLoad_CollectsEveryError(t *testing.T) {
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("MAX_POSITIONS", "zero")
	t.Setenv("MAX_SYMBOL_POSITIONS", "0")
	t.Setenv("RISK_TOLERANCE_LEVEL", "yolo")
	t.Setenv("MIN_OPPORTUNITY_SCORE", "1.5")

	cfg, err := load()
	require.Error(t, err)
	assert.Nil(t, cfg)

	msg := err.Error()
	assert.Contains(t, msg, "BINANCE_API_KEY must be set")
	assert.Contains(t, msg, "BINANCE_API_SECRET must be set")
	assert.Contains(t, msg, "invalid MAX_POSITIONS")
	assert.Contains(t, msg, "MAX_SYMBOL_POSITIONS must be positive")
	assert.Contains(t, msg, "RISK_TOLERANCE_LEVEL")
	assert.Contains(t, msg, "MIN_OPPORTUNITY_SCORE")
}

func TestLoad_LiveTradingWithKeys(t *testing.T) {
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")

	cfg, err := load()
	require.NoError(t, err)
	assert.False(t, cfg.PaperTrading)
	assert.True(t, cfg.IsTestnet)
}
