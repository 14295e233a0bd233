// Package paper is a simulated futures account. Market orders fill at the
// current mark price; stop, take-profit and trailing orders rest until a
// price update crosses them.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"

	"github.com/shopspring/decimal"
)

// Config configures a simulated account.
type Config struct {
	QuoteAsset     string
	InitialBalance float64
	SlippageBps    float64 // applied against the taker on market fills
	Logger         ports.Logger
}

type position struct {
	amount     decimal.Decimal // signed, positive long
	entryPrice decimal.Decimal
}

type restingOrder struct {
	id        int64
	req       domain.OrderRequest
	placedAt  time.Time
	activated bool
	extreme   decimal.Decimal // best price seen since activation (trailing only)
}

// Exchange implements ports.OrderExecutor and ports.MarketDataProvider in memory.
type Exchange struct {
	mu        sync.Mutex
	logger    ports.Logger
	quote     string
	balance   decimal.Decimal
	slippage  decimal.Decimal
	prices    map[string]decimal.Decimal
	positions map[string]*position
	leverage  map[string]int
	resting   map[string][]*restingOrder
	nextID    int64
	onFill    func(context.Context, domain.Fill)
	now       func() time.Time
}

// New creates a simulated account.
func New(cfg Config) (*Exchange, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for paper exchange", ports.ErrConfiguration)
	}
	if cfg.InitialBalance < 0 || cfg.SlippageBps < 0 {
		return nil, fmt.Errorf("%w: negative balance or slippage", ports.ErrConfiguration)
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	return &Exchange{
		logger:    cfg.Logger,
		quote:     quote,
		balance:   decimal.NewFromFloat(cfg.InitialBalance),
		slippage:  decimal.NewFromFloat(cfg.SlippageBps).Div(decimal.NewFromInt(10000)),
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]*position),
		leverage:  make(map[string]int),
		resting:   make(map[string][]*restingOrder),
		nextID:    1,
		now:       time.Now,
	}, nil
}

// OnFill registers the receiver of fills produced by resting orders.
// Market orders are reported only through ExecuteOrder's result.
func (e *Exchange) OnFill(fn func(context.Context, domain.Fill)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFill = fn
}

// SetPrice updates the mark price of symbol and triggers any resting orders it crosses.
func (e *Exchange) SetPrice(ctx context.Context, symbol string, price float64) []domain.Fill {
	if price <= 0 {
		return nil
	}
	e.mu.Lock()
	p := decimal.NewFromFloat(price)
	e.prices[symbol] = p
	fills := e.triggerLocked(symbol, p)
	handler := e.onFill
	e.mu.Unlock()

	for _, f := range fills {
		e.logger.Info(ctx, "Paper: resting order filled", map[string]interface{}{"symbol": f.Symbol, "orderID": f.OrderID, "price": f.AvgPrice, "qty": f.FilledQty})
		if handler != nil {
			handler(ctx, f)
		}
	}
	return fills
}

// ApplyTick sets the mark price from a feed tick.
func (e *Exchange) ApplyTick(ctx context.Context, tick domain.Tick) {
	e.SetPrice(ctx, tick.Symbol, tick.Price)
}

// --- MarketDataProvider ---

// GetAccountBalance returns realised balance of the quote asset.
func (e *Exchange) GetAccountBalance(_ context.Context, asset string) (float64, error) {
	if asset != e.quote {
		return 0, fmt.Errorf("GetAccountBalance: asset %s: %w", asset, ports.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance.InexactFloat64(), nil
}

// GetMarkPrice returns the last price set for symbol.
func (e *Exchange) GetMarkPrice(_ context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("GetMarkPrice: no price for %s: %w", symbol, ports.ErrNotFound)
	}
	return p.InexactFloat64(), nil
}

// GetOpenPositions lists non-flat simulated positions sorted by symbol.
func (e *Exchange) GetOpenPositions(_ context.Context) ([]domain.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ExchangePosition, 0, len(e.positions))
	for sym, pos := range e.positions {
		if pos.amount.IsZero() {
			continue
		}
		out = append(out, domain.ExchangePosition{
			Symbol:     sym,
			Amount:     pos.amount.InexactFloat64(),
			EntryPrice: pos.entryPrice.InexactFloat64(),
			MarkPrice:  e.prices[sym].InexactFloat64(),
			Leverage:   e.leverage[sym],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// --- OrderExecutor ---

// SetLeverage records leverage for reporting; margin is not simulated.
func (e *Exchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("SetLeverage: leverage %d: %w", leverage, ports.ErrInvalidRequest)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

// CancelAllOrders drops every resting order for symbol.
func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	n := len(e.resting[symbol])
	delete(e.resting, symbol)
	e.mu.Unlock()
	e.logger.Debug(ctx, "Paper: orders cancelled", map[string]interface{}{"symbol": symbol, "count": n})
	return nil
}

// ExecuteOrder fills MARKET orders immediately and rests conditional orders.
func (e *Exchange) ExecuteOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	op := "ExecuteOrder"
	if req.Quantity <= 0 || req.Symbol == "" {
		return nil, fmt.Errorf("%s: %w: symbol %q quantity %v", op, ports.ErrInvalidRequest, req.Symbol, req.Quantity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	now := e.now()

	switch req.Type {
	case domain.OrderTypeMarket:
		price, ok := e.prices[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("%s: no price for %s: %w", op, req.Symbol, ports.ErrOrderPlacementFailed)
		}
		qty := decimal.NewFromFloat(req.Quantity)
		if req.ReduceOnly {
			qty = e.reducibleLocked(req.Symbol, req.Side, qty)
			if qty.IsZero() {
				return nil, fmt.Errorf("%s: reduce-only order would not reduce %s: %w", op, req.Symbol, ports.ErrOrderPlacementFailed)
			}
		}
		fillPrice := e.applySlippage(price, req.Side)
		e.applyFillLocked(req.Symbol, req.Side, qty, fillPrice)
		return &domain.OrderResult{
			OrderID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Type,
			AvgPrice: fillPrice.InexactFloat64(), OrigQty: req.Quantity, ExecutedQty: qty.InexactFloat64(),
			Status: "FILLED", Timestamp: now,
		}, nil

	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket, domain.OrderTypeTrailingStopMarket:
		if req.Type == domain.OrderTypeTrailingStopMarket && req.CallbackRate <= 0 {
			return nil, fmt.Errorf("%s: trailing order without callback rate: %w", op, ports.ErrInvalidRequest)
		}
		if req.Type != domain.OrderTypeTrailingStopMarket && req.StopPrice <= 0 {
			return nil, fmt.Errorf("%s: %s without stop price: %w", op, req.Type, ports.ErrInvalidRequest)
		}
		o := &restingOrder{id: id, req: req, placedAt: now, activated: req.ActivationPrice <= 0}
		if o.activated {
			o.extreme = e.prices[req.Symbol]
		}
		e.resting[req.Symbol] = append(e.resting[req.Symbol], o)
		return &domain.OrderResult{
			OrderID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Type,
			OrigQty: req.Quantity, Status: "NEW", Timestamp: now,
		}, nil

	default:
		return nil, fmt.Errorf("%s: order type %s not simulated: %w", op, req.Type, ports.ErrInvalidRequest)
	}
}

// --- internals (mu held) ---

func (e *Exchange) applySlippage(price decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	if side == domain.Buy {
		return price.Mul(decimal.NewFromInt(1).Add(e.slippage))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(e.slippage))
}

// reducibleLocked caps qty to what the current position allows in the closing direction.
func (e *Exchange) reducibleLocked(symbol string, side domain.OrderSide, qty decimal.Decimal) decimal.Decimal {
	pos, ok := e.positions[symbol]
	if !ok || pos.amount.IsZero() {
		return decimal.Zero
	}
	closingLong := pos.amount.IsPositive() && side == domain.Sell
	closingShort := pos.amount.IsNegative() && side == domain.Buy
	if !closingLong && !closingShort {
		return decimal.Zero
	}
	return decimal.Min(qty, pos.amount.Abs())
}

// applyFillLocked moves the net position and books realised pnl into the balance.
func (e *Exchange) applyFillLocked(symbol string, side domain.OrderSide, qty, price decimal.Decimal) {
	pos, ok := e.positions[symbol]
	if !ok {
		pos = &position{}
		e.positions[symbol] = pos
	}
	signed := qty
	if side == domain.Sell {
		signed = qty.Neg()
	}

	sameDirection := pos.amount.IsZero() || pos.amount.Sign() == signed.Sign()
	if sameDirection {
		total := pos.amount.Add(signed)
		// Weighted average entry.
		pos.entryPrice = pos.entryPrice.Mul(pos.amount.Abs()).Add(price.Mul(qty)).Div(total.Abs())
		pos.amount = total
		return
	}

	closing := decimal.Min(qty, pos.amount.Abs())
	pnl := price.Sub(pos.entryPrice).Mul(closing)
	if pos.amount.IsNegative() {
		pnl = pnl.Neg()
	}
	e.balance = e.balance.Add(pnl)

	pos.amount = pos.amount.Add(signed)
	switch {
	case pos.amount.IsZero():
		pos.entryPrice = decimal.Zero
	case pos.amount.Sign() == signed.Sign():
		// Flipped through zero; the remainder opens at the fill price.
		pos.entryPrice = price
	}
}

func (e *Exchange) triggerLocked(symbol string, price decimal.Decimal) []domain.Fill {
	orders := e.resting[symbol]
	if len(orders) == 0 {
		return nil
	}

	var fills []domain.Fill
	kept := orders[:0]
	for _, o := range orders {
		if !e.triggered(o, price) {
			kept = append(kept, o)
			continue
		}
		qty := decimal.NewFromFloat(o.req.Quantity)
		if o.req.ReduceOnly {
			qty = e.reducibleLocked(symbol, o.req.Side, qty)
			if qty.IsZero() {
				continue // position already flat; expires like the exchange does
			}
		}
		fillPrice := e.applySlippage(price, o.req.Side)
		e.applyFillLocked(symbol, o.req.Side, qty, fillPrice)
		fills = append(fills, domain.Fill{
			OrderID: o.id, Symbol: symbol, Side: o.req.Side,
			AvgPrice: fillPrice.InexactFloat64(), FilledQty: qty.InexactFloat64(),
			ReduceOnly: o.req.ReduceOnly, Time: e.now(),
		})
	}
	e.resting[symbol] = kept

	if pos, ok := e.positions[symbol]; ok && pos.amount.IsZero() {
		// Flat: remaining reduce-only orders can never execute.
		live := kept[:0]
		for _, o := range kept {
			if !o.req.ReduceOnly {
				live = append(live, o)
			}
		}
		e.resting[symbol] = live
	}
	return fills
}

func (e *Exchange) triggered(o *restingOrder, price decimal.Decimal) bool {
	stop := decimal.NewFromFloat(o.req.StopPrice)
	sell := o.req.Side == domain.Sell

	switch o.req.Type {
	case domain.OrderTypeStopMarket:
		if sell {
			return price.LessThanOrEqual(stop)
		}
		return price.GreaterThanOrEqual(stop)

	case domain.OrderTypeTakeProfitMarket:
		if sell {
			return price.GreaterThanOrEqual(stop)
		}
		return price.LessThanOrEqual(stop)

	case domain.OrderTypeTrailingStopMarket:
		if !o.activated {
			act := decimal.NewFromFloat(o.req.ActivationPrice)
			if (sell && price.LessThan(act)) || (!sell && price.GreaterThan(act)) {
				return false
			}
			o.activated = true
			o.extreme = price
		}
		if o.extreme.IsZero() || (sell && price.GreaterThan(o.extreme)) || (!sell && price.LessThan(o.extreme)) {
			o.extreme = price
		}
		cb := decimal.NewFromFloat(o.req.CallbackRate).Div(decimal.NewFromInt(100))
		if sell {
			return price.LessThanOrEqual(o.extreme.Mul(decimal.NewFromInt(1).Sub(cb)))
		}
		return price.GreaterThanOrEqual(o.extreme.Mul(decimal.NewFromInt(1).Add(cb)))
	}
	return false
}
