package risk

import (
	"math"
	"sort"

	"futuresRiskBot/internal/domain"
)

// minAllocationVolatility stands in for a zero volatility when scoring.
const minAllocationVolatility = 1e-4

// allocationWinRate is the win rate assumed for opportunities that carry none.
const allocationWinRate = 0.5

// Allocation is the share of capital assigned to one opportunity.
type Allocation struct {
	Opportunity      domain.Opportunity `json:"opportunity"`
	KellyFraction    float64            `json:"kellyFraction"`
	Score            float64            `json:"score"`
	AllocatedCapital float64            `json:"allocatedCapital"`
	Leverage         float64            `json:"leverage"`
	PositionSize     float64            `json:"positionSize"`
}

// CapitalAllocator distributes capital across simultaneous opportunities.
type CapitalAllocator struct {
	matrix *LeverageMatrix
}

// NewCapitalAllocator creates an allocator that prices leverage with matrix.
func NewCapitalAllocator(matrix *LeverageMatrix) *CapitalAllocator {
	return &CapitalAllocator{matrix: matrix}
}

// CalculateOptimalCapitalAllocation splits totalCapital across opportunities in
// proportion to kelly*edge/sqrt(volatility). Results are ordered by score, highest
// first; non-positive scores get nothing.
func (c *CapitalAllocator) CalculateOptimalCapitalAllocation(opps []domain.Opportunity, totalCapital float64) []Allocation {
	if len(opps) == 0 || !(totalCapital > 0) {
		return []Allocation{}
	}

	out := make([]Allocation, len(opps))
	for i, opp := range opps {
		kelly := KellyFraction(opp.WinRateOr(allocationWinRate), opp.RewardRatioOr(domain.DefaultRewardRatio))
		vol := math.Max(opp.VolatilityOr(domain.DefaultVolatility), minAllocationVolatility)
		score := kelly * opp.EdgeOr(domain.DefaultEdge) / math.Sqrt(vol)
		if math.IsNaN(score) {
			score = 0
		}
		out[i] = Allocation{Opportunity: opp, KellyFraction: kelly, Score: score}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	total := 0.0
	for _, a := range out {
		if a.Score > 0 {
			total += a.Score
		}
	}

	for i := range out {
		a := &out[i]
		if a.Score <= 0 {
			a.Leverage = 1
			continue
		}
		a.AllocatedCapital = totalCapital * a.Score / total
		a.Leverage = c.matrix.CalculateOptimalLeverage(LeverageParamsFor(a.Opportunity))
		a.PositionSize = a.AllocatedCapital * a.Leverage
	}
	return out
}
