// Package exits builds and dispatches the stop-loss and take-profit ladder of an open position.
package exits

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// ZFactor scales the volatility widening of take-profit tiers.
const ZFactor = 9.0 / 16.0

const (
	activationOffset   = 0.005 // trailing stop activates 0.5% in the favourable direction
	minTrailingDelta   = 0.5
	maxTrailingDelta   = 5.0
	defaultVolatility  = 0.03
	defaultStopPercent = 2.0
	defaultTargetPct   = 1.5
)

// Tier is one take-profit step: the multiple of the base target and the share of the full size.
type Tier struct {
	TargetMultiple float64
	Portion        float64
}

// DefaultTiers are the three take-profit steps; portions sum to 1.
var DefaultTiers = []Tier{
	{TargetMultiple: 1.0, Portion: 0.4},
	{TargetMultiple: 1.5, Portion: 0.3},
	{TargetMultiple: 2.0, Portion: 0.3},
}

// MarketContext carries the inputs of the ladder that are not on the position itself.
type MarketContext struct {
	Volatility          float64 // daily; <= 0 falls back to the position's, then 3%
	StopLossPercent     float64 // percent; used when the position has no stop price
	ProfitTargetPercent float64 // base take-profit target, percent
	QtyStep             float64 // exchange lot step; > 0 splits legs in whole steps
}

// BuildExitLadder returns the exit orders for an open position: two stop legs
// (trailing + fixed) that together cover the size, and the take-profit tiers that
// independently cover the size again. Every leg is reduce-only on the opposite side.
// With a lot step each group still sums to the size; legs under one step are left out.
func BuildExitLadder(pos domain.Position, mkt MarketContext) []domain.OrderRequest {
	if pos.Size <= 0 || pos.EntryPrice <= 0 {
		return nil
	}

	exitSide := pos.Side.Opposite()
	dir := pos.Side.Sign()

	vol := mkt.Volatility
	if vol <= 0 {
		vol = pos.Volatility
	}
	if vol <= 0 {
		vol = defaultVolatility
	}

	delta := pos.TrailingDelta
	if delta <= 0 {
		delta = TrailingDelta(vol, pos.Edge, pos.Score)
	}

	stopPrice := pos.StopLoss
	if stopPrice <= 0 {
		stopPrice = StopPrice(pos.Side, pos.EntryPrice, orDefault(mkt.StopLossPercent, defaultStopPercent))
	}

	stopQty := splitSize(pos.Size, []float64{0.5, 0.5}, mkt.QtyStep)
	var legs []domain.OrderRequest
	if stopQty[0] > 0 {
		legs = append(legs, domain.OrderRequest{
			Symbol:          pos.Symbol,
			Side:            exitSide,
			Type:            domain.OrderTypeTrailingStopMarket,
			Quantity:        stopQty[0],
			CallbackRate:    delta,
			ActivationPrice: pos.EntryPrice * (1 + dir*activationOffset),
			ReduceOnly:      true,
		})
	}
	legs = append(legs, domain.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exitSide,
		Type:       domain.OrderTypeStopMarket,
		Quantity:   stopQty[1],
		StopPrice:  stopPrice,
		ReduceOnly: true,
	})

	base := orDefault(mkt.ProfitTargetPercent, defaultTargetPct)
	widen := 1 + vol*ZFactor*2
	portions := make([]float64, len(DefaultTiers))
	for i, tier := range DefaultTiers {
		portions[i] = tier.Portion
	}
	for i, qty := range splitSize(pos.Size, portions, mkt.QtyStep) {
		if qty <= 0 {
			continue
		}
		pct := base * DefaultTiers[i].TargetMultiple * widen
		legs = append(legs, domain.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       exitSide,
			Type:       domain.OrderTypeTakeProfitMarket,
			Quantity:   qty,
			StopPrice:  pos.EntryPrice * (1 + dir*pct/100),
			ReduceOnly: true,
		})
	}
	return legs
}

// TrailingDelta is the trailing-stop callback rate, in percent, within [0.5, 5.0].
func TrailingDelta(vol, edge, score float64) float64 {
	osc := 1 + 0.1*math.Sin(math.Pi*(edge+vol/0.20))
	d := vol * 100 * 3 * (1 - 0.5*edge) * (1 + 0.5*score) * osc
	if math.IsNaN(d) {
		return minTrailingDelta
	}
	return math.Min(maxTrailingDelta, math.Max(minTrailingDelta, d))
}

// StopPrice places the fixed stop stopLossPercent away from entry, against the position.
func StopPrice(side domain.OrderSide, entry, stopLossPercent float64) float64 {
	return entry * (1 - side.Sign()*stopLossPercent/100)
}

// TakeProfitPrice places the primary target takeProfitPercent away from entry, with the position.
func TakeProfitPrice(side domain.OrderSide, entry, takeProfitPercent float64) float64 {
	return entry * (1 + side.Sign()*takeProfitPercent/100)
}

// DispatchReport aggregates the outcome of a ladder dispatch.
// Results and Errors are index-aligned with the dispatched legs.
type DispatchReport struct {
	Placed  int
	Failed  int
	Results []*domain.OrderResult
	Errors  []error
}

// Orchestrator sends exit ladders to the order executor.
type Orchestrator struct {
	executor ports.OrderExecutor
	logger   ports.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(executor ports.OrderExecutor, logger ports.Logger) (*Orchestrator, error) {
	if executor == nil || logger == nil {
		return nil, fmt.Errorf("%w: exit orchestrator needs an executor and a logger", ports.ErrConfiguration)
	}
	return &Orchestrator{executor: executor, logger: logger}, nil
}

// PlaceExitOrders builds the ladder for pos and dispatches it.
func (o *Orchestrator) PlaceExitOrders(ctx context.Context, pos domain.Position, mkt MarketContext) DispatchReport {
	return o.Dispatch(ctx, BuildExitLadder(pos, mkt))
}

// Dispatch places every leg concurrently. A failed leg is logged and counted and
// never blocks the others; nothing is retried or rolled back here.
func (o *Orchestrator) Dispatch(ctx context.Context, legs []domain.OrderRequest) DispatchReport {
	op := "Dispatch"
	report := DispatchReport{
		Results: make([]*domain.OrderResult, len(legs)),
		Errors:  make([]error, len(legs)),
	}

	var wg sync.WaitGroup
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, leg domain.OrderRequest) {
			defer wg.Done()
			res, err := o.executor.ExecuteOrder(ctx, leg)
			if err != nil {
				report.Errors[i] = fmt.Errorf("%w: %s leg: %w", ports.ErrExecution, leg.Type, err)
				return
			}
			report.Results[i] = res
		}(i, leg)
	}
	wg.Wait()

	for i, err := range report.Errors {
		if err != nil {
			report.Failed++
			o.logger.Error(ctx, err, op+": Exit leg failed", map[string]interface{}{
				"symbol":   legs[i].Symbol,
				"type":     legs[i].Type,
				"quantity": legs[i].Quantity,
			})
			continue
		}
		report.Placed++
	}

	if len(legs) > 0 {
		o.logger.Info(ctx, op+": Exit ladder dispatched", map[string]interface{}{
			"symbol": legs[0].Symbol,
			"placed": report.Placed,
			"failed": report.Failed,
		})
	}
	return report
}

// splitSize divides size by portions. Every share but the last is rounded down to
// whole lot steps when step > 0; the last share takes the rest, so the shares sum
// to size exactly. A share below one step comes out as 0.
func splitSize(size float64, portions []float64, step float64) []float64 {
	total := decimal.NewFromFloat(size)
	left := total
	out := make([]float64, len(portions))
	for i, p := range portions {
		q := left
		if i < len(portions)-1 {
			q = total.Mul(decimal.NewFromFloat(p))
			if step > 0 {
				q = floorStep(q, decimal.NewFromFloat(step))
			}
		}
		left = left.Sub(q)
		out[i] = q.InexactFloat64()
	}
	return out
}

// FloorToStep rounds q down to a whole number of lot steps. A non-positive step leaves q unchanged.
func FloorToStep(q, step float64) float64 {
	if !(step > 0) {
		return q
	}
	return floorStep(decimal.NewFromFloat(q), decimal.NewFromFloat(step)).InexactFloat64()
}

func floorStep(q, step decimal.Decimal) decimal.Decimal {
	return q.Div(step).Floor().Mul(step)
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
