package domain

// RiskProfile is a named parameter set scaling sizing and leverage aggressiveness.
type RiskProfile struct {
	Name              string  `json:"name"`
	Multiplier        float64 `json:"multiplier"`
	SafetyFactor      float64 `json:"safetyFactor"`
	VolatilityPenalty float64 `json:"volatilityPenalty"`
	EdgeThreshold     float64 `json:"edgeThreshold"`
}

// Risk profile names.
const (
	ProfileConservative = "conservative"
	ProfileBalanced     = "balanced"
	ProfileAggressive   = "aggressive"
)

// GridSize is the dimension of the leverage grid.
const GridSize = 10

// LeverageGrid maps (volatility bucket, edge bucket) to a base leverage.
// Rows are volatility buckets 0%..10%+, columns are edge buckets 0..1.0.
type LeverageGrid [GridSize][GridSize]float64

// DefaultLeverageGrid returns the stock base-leverage table.
func DefaultLeverageGrid() LeverageGrid {
	return LeverageGrid{
		{25, 25, 25, 25, 25, 25, 25, 25, 25, 25}, // Vol < 1%
		{20, 21, 22, 23, 24, 25, 25, 25, 25, 25}, // Vol 1-2%
		{15, 16, 18, 20, 21, 22, 23, 24, 25, 25}, // Vol 2-3%
		{10, 12, 14, 16, 18, 19, 20, 21, 22, 23}, // Vol 3-4%
		{7, 9, 11, 13, 15, 16, 17, 18, 19, 20},   // Vol 4-5%
		{5, 6, 8, 10, 12, 13, 14, 15, 16, 17},    // Vol 5-6%
		{3, 4, 6, 8, 9, 10, 11, 12, 13, 14},      // Vol 6-7%
		{2, 3, 4, 5, 7, 8, 9, 10, 11, 12},        // Vol 7-8%
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},          // Vol 8-9%
		{1, 1, 2, 3, 4, 5, 6, 7, 8, 9},           // Vol 9%+
	}
}

// PerformanceMetrics aggregates results of closed positions.
// WinRate, ProfitFactor, AverageWin and AverageLoss are derived and recomputed on every update.
type PerformanceMetrics struct {
	TotalTrades     int     `json:"totalTrades"`
	WinningTrades   int     `json:"winningTrades"`
	LosingTrades    int     `json:"losingTrades"`
	TotalProfit     float64 `json:"totalProfit"`
	TotalLoss       float64 `json:"totalLoss"` // Absolute value of accumulated losses
	WinRate         float64 `json:"winRate"`
	ProfitFactor    float64 `json:"profitFactor"`
	AverageWin      float64 `json:"averageWin"`
	AverageLoss     float64 `json:"averageLoss"` // Positive magnitude
	MaxDrawdown     float64 `json:"maxDrawdown"`
	CurrentDrawdown float64 `json:"currentDrawdown"`
}
