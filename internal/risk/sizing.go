package risk

import (
	"errors"
	"fmt"
	"math"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// DefaultMaxFraction caps the Kelly fraction of the balance committed to one trade.
const DefaultMaxFraction = 0.25

// SizingParams are the inputs of a position-size calculation.
type SizingParams struct {
	Symbol              string
	AccountBalance      float64 // required, > 0
	RiskPerTradePercent float64 // required, > 0
	WinRate             float64 // required, (0,1)
	RewardRatio         float64 // required, > 0
	Edge                float64
	Volatility          float64
	Liquidity           float64 // <= 0 means 0.7
	Momentum            float64
	MaxFraction         float64 // <= 0 means DefaultMaxFraction
	MarketCap           domain.MarketCap
	TimeHorizon         domain.TimeHorizon
	Strategy            string
}

// SizingParamsFor builds sizing parameters from an opportunity and the account state.
func SizingParamsFor(opp domain.Opportunity, balance, riskPerTradePercent float64) SizingParams {
	lp := LeverageParamsFor(opp)
	return SizingParams{
		Symbol:              opp.Symbol,
		AccountBalance:      balance,
		RiskPerTradePercent: opp.RiskPercentOr(riskPerTradePercent),
		WinRate:             opp.WinRateOr(domain.DefaultWinRate),
		RewardRatio:         opp.RewardRatioOr(domain.DefaultRewardRatio),
		Edge:                lp.Edge,
		Volatility:          lp.Volatility,
		Liquidity:           lp.Liquidity,
		Momentum:            lp.Momentum,
		MarketCap:           lp.MarketCap,
		TimeHorizon:         lp.TimeHorizon,
		Strategy:            lp.Strategy,
	}
}

// SizingResult is the outcome of a position-size calculation.
// A zero PositionSize means the trade should not be taken.
type SizingResult struct {
	PositionSize  float64 `json:"positionSize"` // notional, in quote currency
	Leverage      float64 `json:"leverage"`
	KellyFraction float64 `json:"kellyFraction"` // after safety factor and cap
	RiskAmount    float64 `json:"riskAmount"`
	RiskPercent   float64 `json:"riskPercent"`
}

// PositionSizer combines a Kelly fraction with the leverage matrix.
type PositionSizer struct {
	matrix   *LeverageMatrix
	profiles *ProfileStore
}

// NewPositionSizer creates a sizer bound to a matrix and its profile store.
func NewPositionSizer(matrix *LeverageMatrix, profiles *ProfileStore) *PositionSizer {
	return &PositionSizer{matrix: matrix, profiles: profiles}
}

// CalculateOptimalPositionSize sizes a trade as the smaller of the leveraged Kelly
// size and the leveraged fixed-risk size.
func (s *PositionSizer) CalculateOptimalPositionSize(p SizingParams) (SizingResult, error) {
	if err := p.validate(); err != nil {
		return SizingResult{}, err
	}

	maxFraction := p.MaxFraction
	if maxFraction <= 0 {
		maxFraction = DefaultMaxFraction
	}
	liquidity := p.Liquidity
	if liquidity <= 0 {
		liquidity = domain.DefaultLiquidity
	}

	profile := s.profiles.Active()
	kelly := KellyFraction(p.WinRate, p.RewardRatio)
	final := clamp(kelly*profile.SafetyFactor, 0, maxFraction)

	base := p.AccountBalance * final
	riskAmount := p.AccountBalance * p.RiskPerTradePercent / 100

	lev := s.matrix.CalculateOptimalLeverage(LeverageParams{
		Symbol:      p.Symbol,
		Volatility:  p.Volatility,
		Edge:        p.Edge,
		Liquidity:   liquidity,
		Momentum:    p.Momentum,
		MarketCap:   p.MarketCap,
		TimeHorizon: p.TimeHorizon,
		Strategy:    p.Strategy,
	})

	size := 0.0
	if final > 0 {
		size = math.Min(base*lev, riskAmount*lev)
	}

	return SizingResult{
		PositionSize:  size,
		Leverage:      lev,
		KellyFraction: final,
		RiskAmount:    riskAmount,
		RiskPercent:   p.RiskPerTradePercent,
	}, nil
}

// KellyFraction is w - (1-w)/r.
func KellyFraction(winRate, rewardRatio float64) float64 {
	return winRate - (1-winRate)/rewardRatio
}

func (p SizingParams) validate() error {
	var errs []error
	if !(p.AccountBalance > 0) || math.IsInf(p.AccountBalance, 0) {
		errs = append(errs, fmt.Errorf("account balance must be positive, got %v", p.AccountBalance))
	}
	if !(p.RiskPerTradePercent > 0) {
		errs = append(errs, fmt.Errorf("risk per trade percent must be positive, got %v", p.RiskPerTradePercent))
	}
	if !(p.WinRate > 0 && p.WinRate < 1) {
		errs = append(errs, fmt.Errorf("win rate must be within (0,1), got %v", p.WinRate))
	}
	if !(p.RewardRatio > 0) {
		errs = append(errs, fmt.Errorf("reward ratio must be positive, got %v", p.RewardRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ports.ErrValidation, errors.Join(errs...))
	}
	return nil
}
