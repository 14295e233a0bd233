package risk

import "math"

// RecommendStopsAndTargets derives stop-loss and take-profit distances, as fractions of
// the entry price, from daily volatility and leverage. Higher leverage tightens both.
// Unset (non-positive) inputs fall back to 3% volatility and 5x leverage.
func (m *LeverageMatrix) RecommendStopsAndTargets(volatility, leverage float64) (stopLossPct, takeProfitPct float64) {
	cfg := m.Config()

	if !(volatility > 0) {
		volatility = 0.03
	}
	if !(leverage > 0) {
		leverage = 5
	}
	vol := clamp(volatility, 0.005, 0.20)
	lev := clamp(leverage, cfg.MinLeverage, cfg.MaxLeverage)

	baseStop := vol * 0.75
	baseTake := vol * 1.5
	levFactor := 1 / math.Sqrt(lev)

	// Bounded shaping in [0.85, 1.15].
	shape := 1 + 0.1*math.Sin(math.Pi*vol/0.40) - 0.05*math.Cos(math.Pi*lev/cfg.MaxLeverage)

	stopLossPct = clamp(baseStop*levFactor*shape, 0.003, 0.08)
	takeProfitPct = clamp(baseTake*math.Sqrt(levFactor)*shape, 0.005, 0.20)
	return stopLossPct, takeProfitPct
}
