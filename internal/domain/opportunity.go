package domain

import "time"

// Default values applied when an opportunity leaves an optional field unset.
const (
	DefaultEdge        = 0.5
	DefaultVolatility  = 0.03
	DefaultLiquidity   = 0.7
	DefaultMomentum    = 0.0
	DefaultWinRate     = 0.55
	DefaultRewardRatio = 2.0
)

// Opportunity is an advisory record describing a candidate trade.
// Optional numeric fields are pointers so "unset" and "zero" stay distinguishable.
type Opportunity struct {
	Symbol            string      `json:"symbol"`
	Direction         Direction   `json:"direction"`
	Strategy          string      `json:"strategy,omitempty"`
	Score             *float64    `json:"score,omitempty"`       // [0,1]
	Edge              *float64    `json:"edge,omitempty"`        // [0,1]
	Volatility        *float64    `json:"volatility,omitempty"`  // daily, >= 0
	Liquidity         *float64    `json:"liquidity,omitempty"`   // [0,1]
	Momentum          *float64    `json:"momentum,omitempty"`    // [-1,1]
	WinRate           *float64    `json:"winRate,omitempty"`     // (0,1)
	RewardRatio       *float64    `json:"rewardRatio,omitempty"` // > 0
	RiskPercent       *float64    `json:"riskPercent,omitempty"` // > 0, percent of balance
	StopLossPercent   *float64    `json:"stopLossPercent,omitempty"`
	TakeProfitPercent *float64    `json:"takeProfitPercent,omitempty"`
	MarketCap         MarketCap   `json:"marketCap,omitempty"`
	TimeHorizon       TimeHorizon `json:"timeHorizon,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

// Float returns a pointer to v. Handy for building opportunities in code and tests.
func Float(v float64) *float64 {
	return &v
}

func or(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func (o Opportunity) ScoreOr(def float64) float64       { return or(o.Score, def) }
func (o Opportunity) EdgeOr(def float64) float64        { return or(o.Edge, def) }
func (o Opportunity) VolatilityOr(def float64) float64  { return or(o.Volatility, def) }
func (o Opportunity) LiquidityOr(def float64) float64   { return or(o.Liquidity, def) }
func (o Opportunity) MomentumOr(def float64) float64    { return or(o.Momentum, def) }
func (o Opportunity) WinRateOr(def float64) float64     { return or(o.WinRate, def) }
func (o Opportunity) RewardRatioOr(def float64) float64 { return or(o.RewardRatio, def) }
func (o Opportunity) RiskPercentOr(def float64) float64 { return or(o.RiskPercent, def) }
func (o Opportunity) StopLossPercentOr(def float64) float64 {
	return or(o.StopLossPercent, def)
}
func (o Opportunity) TakeProfitPercentOr(def float64) float64 {
	return or(o.TakeProfitPercent, def)
}

// Tick is a mark price carried by the opportunity feed.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// FeedItem is one feed record in source order. Exactly one field is set.
type FeedItem struct {
	Opportunity *Opportunity
	Tick        *Tick
}
