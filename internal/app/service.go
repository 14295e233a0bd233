package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"futuresRiskBot/config"
	"futuresRiskBot/internal/advisory"
	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/exits"
	"futuresRiskBot/internal/lifecycle"
	"futuresRiskBot/internal/ports"
	"futuresRiskBot/internal/risk"
)

// minQuantity is the smallest entry quantity the engine will submit.
const minQuantity = 0.001

// Dependencies are the collaborators of the service. Every field is required;
// use paper, advisory.Neutral and metrics.Nop where a real one is not wanted.
type Dependencies struct {
	Logger    ports.Logger
	Executor  ports.OrderExecutor
	Market    ports.MarketDataProvider
	Feed      ports.OpportunityFeed
	Positions ports.PositionRepository
	Trades    ports.TradeRepository
	Advisor   ports.Advisor
	Metrics   ports.MetricsRecorder
}

// SystemStatus is a point-in-time view of the engine.
type SystemStatus struct {
	Running             bool
	StartedAt           time.Time
	Uptime              time.Duration
	ActivePositions     int
	PendingReservations int
	RiskProfile         string
	Limits              lifecycle.Limits
	Metrics             domain.PerformanceMetrics
	LeverageCacheSize   int
}

// TradingService turns opportunities into positions and keeps them until they close.
type TradingService struct {
	cfg       *config.Config
	logger    ports.Logger
	executor  ports.OrderExecutor
	market    ports.MarketDataProvider
	feed      ports.OpportunityFeed
	posRepo   ports.PositionRepository
	tradeRepo ports.TradeRepository
	advisor   ports.Advisor
	metrics   ports.MetricsRecorder

	profiles  *risk.ProfileStore
	matrix    *risk.LeverageMatrix
	sizer     *risk.PositionSizer
	allocator *risk.CapitalAllocator
	exits     *exits.Orchestrator
	positions *lifecycle.Manager

	events chan Event

	// State fields
	mu        sync.Mutex // Protects access to state fields below
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg *config.Config, deps Dependencies) (*TradingService, error) {
	// Validate dependencies
	if cfg == nil || deps.Logger == nil || deps.Executor == nil || deps.Market == nil || deps.Feed == nil ||
		deps.Positions == nil || deps.Trades == nil || deps.Advisor == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for TradingService", ports.ErrConfiguration)
	}

	profiles, err := risk.NewProfileStore(cfg.RiskToleranceLevel)
	if err != nil {
		return nil, err
	}
	matrix, err := risk.NewLeverageMatrix(risk.MatrixConfig{
		MinLeverage:              cfg.MinLeverage,
		MaxLeverage:              cfg.MaxLeverage,
		MaxLeverageUnderHighVol:  cfg.MaxLeverageUnderHighVol,
		MinLiquidity:             cfg.MinLiquidity,
		MaxMomentumImpact:        cfg.MaxMomentumImpact,
		EnableFractionalLeverage: cfg.EnableFractionalLeverage,
	}, profiles)
	if err != nil {
		return nil, err
	}
	orchestrator, err := exits.NewOrchestrator(deps.Executor, deps.Logger)
	if err != nil {
		return nil, err
	}
	positions, err := lifecycle.NewManager(lifecycle.Limits{
		MaxPositions:         cfg.MaxPositions,
		MaxSymbolPositions:   cfg.MaxSymbolPositions,
		MaxStrategyPositions: cfg.MaxStrategyPositions,
		HistorySize:          cfg.HistorySize,
	})
	if err != nil {
		return nil, err
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}

	return &TradingService{
		cfg:       cfg,
		logger:    deps.Logger,
		executor:  deps.Executor,
		market:    deps.Market,
		feed:      deps.Feed,
		posRepo:   deps.Positions,
		tradeRepo: deps.Trades,
		advisor:   deps.Advisor,
		metrics:   deps.Metrics,
		profiles:  profiles,
		matrix:    matrix,
		sizer:     risk.NewPositionSizer(matrix, profiles),
		allocator: risk.NewCapitalAllocator(matrix),
		exits:     orchestrator,
		positions: positions,
		events:    make(chan Event, buffer),
	}, nil
}

// Start restores open positions and consumes the opportunity feed until ctx is
// done, a shutdown signal arrives, Stop is called or the feed is exhausted.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel() // Cancel the main context
		case <-ctx.Done():
		}
	}()

	if err := s.begin(ctx, cancel); err != nil {
		return err
	}
	defer s.end()

	records, err := s.feed.Records(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to open opportunity feed")
		return fmt.Errorf("failed to open opportunity feed: %w", err)
	}

	if !s.cfg.PaperTrading && s.cfg.SyncInterval > 0 {
		go s.syncLoop(ctx, s.cfg.SyncInterval)
	}

	// --- Main Loop ---
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
			s.logger.Info(ctx, "Trading Service stopped.")
			return nil
		case item, ok := <-records:
			if !ok {
				s.logger.Info(ctx, "Opportunity feed exhausted, Trading Service stopped.")
				return nil
			}
			switch {
			case item.Tick != nil:
				s.applyTick(ctx, *item.Tick)
			case item.Opportunity != nil:
				if _, err := s.ProcessOpportunity(ctx, *item.Opportunity); err != nil {
					s.logger.Error(ctx, err, "Opportunity processing failed", map[string]interface{}{"symbol": item.Opportunity.Symbol})
				}
			}
		}
	}
}

// applyTick hands a feed price to the market when it is priced from the feed.
// Ticks are applied on the feed loop so they stay ordered with opportunities.
func (s *TradingService) applyTick(ctx context.Context, tick domain.Tick) {
	sink, ok := s.market.(ports.TickSink)
	if !ok {
		s.logger.Debug(ctx, "applyTick: Market data comes from the exchange, tick ignored", map[string]interface{}{"symbol": tick.Symbol})
		return
	}
	sink.ApplyTick(ctx, tick)
}

// Stop cancels a running Start.
func (s *TradingService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// begin synchronises state and marks the service running.
func (s *TradingService) begin(ctx context.Context, cancel context.CancelFunc) error {
	op := "begin"
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("trading service is already running")
	}
	s.mu.Unlock()

	s.logger.Info(ctx, op+": Synchronizing initial state...")
	open, err := s.posRepo.FindOpen(ctx)
	if err != nil {
		// State is critical; refuse to trade on top of an unknown book.
		s.logger.Error(ctx, err, op+": Failed to load open positions")
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	restored := s.positions.Restore(open)
	s.reconcile(ctx, false)
	s.metrics.OpenPositions(s.positions.OpenCount())
	s.logger.Info(ctx, op+": Initial state synchronized", map[string]interface{}{"restored": restored})

	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now().UTC()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

func (s *TradingService) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancel = nil
}

func (s *TradingService) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ProcessOpportunity decides whether to take opp and, if so, enters the position
// and places its exit ladder. A rejected opportunity returns nil, nil and is
// reported on the event channel. Validation errors and execution errors are returned.
func (s *TradingService) ProcessOpportunity(ctx context.Context, opp domain.Opportunity) (*domain.Position, error) {
	op := "ProcessOpportunity"
	if !s.isRunning() {
		return nil, fmt.Errorf("%s: %w", op, ports.ErrNotRunning)
	}
	s.metrics.OpportunityReceived(opp.Symbol)

	if err := validateOpportunity(opp); err != nil {
		s.reject(ctx, opp, ReasonInvalidOpportunity)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// An unscored opportunity is not filtered.
	if opp.Score != nil && *opp.Score < s.cfg.MinOpportunityScore {
		s.reject(ctx, opp, ReasonScoreBelowMinimum)
		return nil, nil
	}

	unlock := s.positions.LockSymbol(opp.Symbol)
	defer unlock()

	res, admission := s.positions.Reserve(opp)
	if !admission.Accepted {
		s.reject(ctx, opp, admission.Reason)
		return nil, nil
	}

	pos, reason, err := s.enterPosition(ctx, res)
	switch {
	case err != nil:
		s.positions.Release(res)
		s.fail(ctx, opp, err)
		return nil, fmt.Errorf("%s: %w", op, err)
	case reason != "":
		s.positions.Release(res)
		s.reject(ctx, opp, reason)
		return nil, nil
	}

	s.metrics.PositionOpened(pos.Symbol, pos.Leverage)
	s.metrics.OpenPositions(s.positions.OpenCount())
	s.logger.Info(ctx, op+": Position opened", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"side":       pos.Side,
		"size":       pos.Size,
		"entryPrice": pos.EntryPrice,
		"leverage":   pos.Leverage,
	})
	s.publish(ctx, Event{Type: EventPositionOpened, Symbol: pos.Symbol, Opportunity: &opp, Position: snapshot(pos)})
	return pos, nil
}

func validateOpportunity(opp domain.Opportunity) error {
	var errs []error
	if opp.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if !opp.Direction.Valid() {
		errs = append(errs, fmt.Errorf("direction must be LONG or SHORT, got %q", opp.Direction))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ports.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// enterPosition sizes and opens the reserved position. It returns either the
// position, a rejection reason, or an error; the caller releases the reservation
// in the last two cases.
func (s *TradingService) enterPosition(ctx context.Context, res *lifecycle.Reservation) (*domain.Position, string, error) {
	op := "enterPosition"
	opp := res.Opportunity

	// --- Sizing ---
	balance, err := s.market.GetAccountBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		return nil, "", fmt.Errorf("%w: account balance: %w", ports.ErrExecution, err)
	}
	if !(balance > 0) {
		return nil, ReasonInsufficientBalance, nil
	}

	sized, err := s.sizer.CalculateOptimalPositionSize(risk.SizingParamsFor(opp, balance, s.cfg.DefaultRiskPerTrade))
	if err != nil {
		return nil, "", err
	}
	multiplier := advisory.Clamp(s.advisor.Multiplier(ctx, opp.Symbol, opp.Timestamp))
	notional := sized.PositionSize * multiplier
	if !(notional > 0) {
		return nil, ReasonNoPositiveSize, nil
	}

	markPrice, err := s.market.GetMarkPrice(ctx, opp.Symbol)
	if err != nil {
		return nil, "", fmt.Errorf("%w: mark price: %w", ports.ErrExecution, err)
	}
	if !(markPrice > 0) {
		return nil, "", fmt.Errorf("%w: no mark price for %s", ports.ErrExecution, opp.Symbol)
	}
	step := s.qtyStep(ctx, opp.Symbol)
	quantity := exits.FloorToStep(notional/markPrice, step)
	if !s.cfg.EnableFractionalContracts {
		quantity = math.Floor(quantity)
	}
	if quantity < minQuantity {
		return nil, ReasonSizeTooSmall, nil
	}

	s.logger.Info(ctx, op+": Calculated parameters", map[string]interface{}{
		"symbol":     opp.Symbol,
		"balance":    balance,
		"notional":   notional,
		"multiplier": multiplier,
		"quantity":   quantity,
		"leverage":   sized.Leverage,
	})

	// --- Order Placement ---
	if err := s.executor.SetLeverage(ctx, opp.Symbol, exchangeLeverage(sized.Leverage)); err != nil {
		// Continue with the leverage already set on the exchange.
		s.logger.Warn(ctx, op+": Failed to set leverage, continuing", map[string]interface{}{
			"symbol": opp.Symbol, "leverage": sized.Leverage, "error": err.Error(),
		})
	}

	side := opp.Direction.EntrySide()
	entry, err := s.executor.ExecuteOrder(ctx, domain.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: quantity,
	})
	if err != nil {
		s.logger.Error(ctx, err, op+": Failed to place entry market order", map[string]interface{}{"symbol": opp.Symbol})
		return nil, "", fmt.Errorf("%w: entry market order: %w", ports.ErrExecution, err)
	}
	fill := entryFill(entry, opp.Symbol, side, quantity, markPrice)

	vol := opp.VolatilityOr(domain.DefaultVolatility)
	stopPct, targetPct := s.exitTargets(opp, vol, sized.Leverage)
	details := lifecycle.EntryDetails{
		Leverage:      sized.Leverage,
		StopLoss:      exits.StopPrice(side, fill.AvgPrice, stopPct),
		TakeProfit:    exits.TakeProfitPrice(side, fill.AvgPrice, targetPct),
		TrailingDelta: exits.TrailingDelta(vol, opp.EdgeOr(domain.DefaultEdge), opp.ScoreOr(0)),
		Volatility:    vol,
	}

	pos, err := s.positions.OnEntryFill(res, fill, details)
	if err != nil {
		// The exchange holds exposure the engine cannot track.
		s.logger.Error(ctx, err, op+": Failed to record entry fill")
		if closeErr := s.emergencyClose(ctx, opp.Symbol, side, fill.FilledQty); closeErr != nil {
			s.logger.Error(ctx, closeErr, op+": EMERGENCY CLOSE FAILED")
		}
		return nil, "", fmt.Errorf("%w: record entry fill: %w", ports.ErrExecution, err)
	}

	// --- Persistence ---
	if err := s.posRepo.Create(ctx, pos); err != nil {
		// The position is live on the exchange and tracked in memory; keep protecting it.
		s.logger.Error(ctx, err, op+": Failed to save new position to repository", map[string]interface{}{"positionID": pos.ID})
	}

	// --- Exit ladder ---
	report := s.exits.PlaceExitOrders(ctx, *pos, exits.MarketContext{
		Volatility:          vol,
		StopLossPercent:     stopPct,
		ProfitTargetPercent: targetPct,
		QtyStep:             step,
	})
	s.metrics.ExitLegs(pos.Symbol, report.Placed, report.Failed)
	s.publish(ctx, Event{Type: EventExitOrdersPlaced, Symbol: pos.Symbol, Position: snapshot(pos), Placed: report.Placed, Failed: report.Failed})

	return pos, "", nil
}

// exitTargets returns the stop-loss and take-profit distances in percent. The
// opportunity wins, then the configured defaults, then the matrix recommendation.
func (s *TradingService) exitTargets(opp domain.Opportunity, vol, leverage float64) (stopPct, targetPct float64) {
	recStop, recTarget := s.matrix.RecommendStopsAndTargets(vol, leverage)
	stopPct = positiveOr(opp.StopLossPercentOr(0), positiveOr(s.cfg.StopLossDefault, recStop*100))
	targetPct = positiveOr(opp.TakeProfitPercentOr(0), positiveOr(s.cfg.ProfitTarget, recTarget*100))
	return stopPct, targetPct
}

func positiveOr(v, def float64) float64 {
	if v > 0 && !math.IsInf(v, 0) {
		return v
	}
	return def
}

// exchangeLeverage converts engine leverage to the whole number the exchange accepts.
func exchangeLeverage(lev float64) int {
	return max(1, int(math.Floor(lev)))
}

// entryFill builds the fill of a market entry, falling back to the requested
// quantity and the mark price when the acknowledgement omits them.
func entryFill(res *domain.OrderResult, symbol string, side domain.OrderSide, quantity, markPrice float64) domain.Fill {
	f := domain.Fill{
		OrderID:   res.OrderID,
		Symbol:    symbol,
		Side:      side,
		AvgPrice:  res.AvgPrice,
		FilledQty: res.ExecutedQty,
		Time:      res.Timestamp,
	}
	if f.AvgPrice <= 0 {
		f.AvgPrice = markPrice
	}
	if f.FilledQty <= 0 {
		f.FilledQty = res.OrigQty
	}
	if f.FilledQty <= 0 {
		f.FilledQty = quantity
	}
	return f
}

// HandleFill applies a fill reported by the exchange. Reduce-only fills reduce the
// matching positions oldest first and close every one they cover.
func (s *TradingService) HandleFill(ctx context.Context, fill domain.Fill) {
	op := "HandleFill"
	if !fill.ReduceOnly {
		s.logger.Debug(ctx, op+": Ignoring fill that is not reduce-only", map[string]interface{}{"orderID": fill.OrderID})
		return
	}

	unlock := s.positions.LockSymbol(fill.Symbol)
	defer unlock()

	r := s.positions.OnExitFill(fill)
	if !r.OK {
		fields := map[string]interface{}{"symbol": fill.Symbol, "orderID": fill.OrderID, "qty": fill.FilledQty}
		if r.Reason == lifecycle.ReasonPartial {
			s.logger.Info(ctx, op+": Partial exit fill applied", fields)
		} else {
			s.logger.Warn(ctx, op+": No open position matches exit fill", fields)
		}
		return
	}

	for i := range r.Closed {
		s.afterClose(ctx, &r.Closed[i])
	}
	s.resetExits(ctx, fill.Symbol)
}

// ClosePosition cancels the symbol's resting orders and closes the position with
// a reduce-only market order. An unknown or closed id yields NOT_FOUND.
func (s *TradingService) ClosePosition(ctx context.Context, id string) (lifecycle.CloseResult, error) {
	op := "ClosePosition"
	pos, ok := s.positions.Get(id)
	if !ok || !pos.IsOpen() {
		return lifecycle.CloseResult{Reason: lifecycle.ReasonNotFound}, nil
	}

	unlock := s.positions.LockSymbol(pos.Symbol)
	defer unlock()

	// A fill or another close may have won the lock first.
	remaining, ok := s.positions.Remaining(id)
	if !ok {
		return lifecycle.CloseResult{Reason: lifecycle.ReasonNotFound}, nil
	}

	s.logger.Info(ctx, op+": Attempting to close position", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	_ = s.cancelOrdersWarn(ctx, pos.Symbol)

	closeOrder, err := s.executor.ExecuteOrder(ctx, domain.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Type:       domain.OrderTypeMarket,
		Quantity:   remaining,
		ReduceOnly: true,
	})
	if err != nil {
		// The position stays open; put its protection back.
		s.logger.Error(ctx, err, op+": Failed to place closing market order", map[string]interface{}{"positionID": id})
		s.resetExits(ctx, pos.Symbol)
		return lifecycle.CloseResult{}, fmt.Errorf("%s: %w: closing order for %s: %w", op, ports.ErrExecution, id, err)
	}

	exitPrice := closeOrder.AvgPrice
	if exitPrice <= 0 {
		if mark, err := s.market.GetMarkPrice(ctx, pos.Symbol); err == nil {
			s.logger.Warn(ctx, op+": Close order AvgPrice is 0, using mark price as fallback", map[string]interface{}{"orderID": closeOrder.OrderID, "fallbackPrice": mark})
			exitPrice = mark
		}
	}

	r := s.positions.ClosePosition(id, exitPrice, domain.CloseReasonManual)
	if !r.OK {
		s.logger.Warn(ctx, op+": Position not closed", map[string]interface{}{"positionID": id, "reason": r.Reason})
		s.resetExits(ctx, pos.Symbol)
		return r, nil
	}
	s.afterClose(ctx, r.Position)
	s.resetExits(ctx, pos.Symbol)
	return r, nil
}

// CloseAllPositions closes every open position. Failures do not stop the others.
func (s *TradingService) CloseAllPositions(ctx context.Context) ([]lifecycle.CloseResult, error) {
	var results []lifecycle.CloseResult
	var errs []error
	for _, p := range s.positions.ActivePositions() {
		r, err := s.ClosePosition(ctx, p.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

// afterClose persists a closed position and its trade record and reports it.
func (s *TradingService) afterClose(ctx context.Context, pos *domain.Position) {
	op := "afterClose"
	if err := s.posRepo.Update(ctx, pos); err != nil {
		s.logger.Error(ctx, err, op+": Failed to update closed position in repository", map[string]interface{}{"positionID": pos.ID})
	}
	if _, err := s.tradeRepo.CreateTrade(ctx, domain.TradeFromPosition(pos)); err != nil {
		s.logger.Error(ctx, err, op+": Failed to save trade record", map[string]interface{}{"positionID": pos.ID})
	}

	s.metrics.PositionClosed(pos.Symbol, pos.PNL)
	s.metrics.OpenPositions(s.positions.OpenCount())
	s.logger.Info(ctx, op+": Position closed", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"exitPrice":  pos.ExitPrice,
		"pnl":        pos.PNL,
		"reason":     pos.CloseReason,
	})
	s.publish(ctx, Event{Type: EventPositionClosed, Symbol: pos.Symbol, Position: snapshot(pos)})
}

// resetExits replaces the resting orders of symbol with fresh ladders for the
// positions still open on it. Cancellation is per symbol on the exchange, so a
// close always disturbs the legs of its neighbours. Caller holds the symbol lock.
func (s *TradingService) resetExits(ctx context.Context, symbol string) {
	_ = s.cancelOrdersWarn(ctx, symbol)
	for _, p := range s.positions.ActivePositions() {
		if p.Symbol != symbol {
			continue
		}
		// Partial exit fills already reduced the exchange position.
		if rest, ok := s.positions.Remaining(p.ID); ok {
			p.Size = rest
		}
		report := s.exits.PlaceExitOrders(ctx, p, exits.MarketContext{
			Volatility:          p.Volatility,
			ProfitTargetPercent: distancePercent(p.EntryPrice, p.TakeProfit),
			QtyStep:             s.qtyStep(ctx, symbol),
		})
		s.metrics.ExitLegs(p.Symbol, report.Placed, report.Failed)
		s.publish(ctx, Event{Type: EventExitOrdersPlaced, Symbol: p.Symbol, Position: snapshot(&p), Placed: report.Placed, Failed: report.Failed})
	}
}

// qtyStep is the executor's lot step for symbol, 0 when it has none.
func (s *TradingService) qtyStep(ctx context.Context, symbol string) float64 {
	if st, ok := s.executor.(ports.QuantityStepper); ok {
		return st.QuantityStep(ctx, symbol)
	}
	return 0
}

func distancePercent(entry, target float64) float64 {
	if entry <= 0 || target <= 0 {
		return 0
	}
	return math.Abs(target/entry-1) * 100
}

// emergencyClose places a market order to flatten exposure the engine could not record.
func (s *TradingService) emergencyClose(ctx context.Context, symbol string, entrySide domain.OrderSide, quantity float64) error {
	op := "emergencyClose"
	s.logger.Warn(ctx, op+": Placing emergency closing order", map[string]interface{}{"symbol": symbol, "side": entrySide.Opposite(), "quantity": quantity})
	_, err := s.executor.ExecuteOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       entrySide.Opposite(),
		Type:       domain.OrderTypeMarket,
		Quantity:   quantity,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("emergency close order placement failed: %w", err)
	}
	s.logger.Info(ctx, op+": Emergency close order placed successfully")
	return nil
}

// cancelOrdersWarn cancels the resting orders of symbol and logs a warning on failure.
func (s *TradingService) cancelOrdersWarn(ctx context.Context, symbol string) error {
	op := "cancelOrdersWarn"
	err := s.executor.CancelAllOrders(ctx, symbol)
	if err != nil {
		// Nothing resting is fine; the orders may have filled or been cancelled already.
		if errors.Is(err, ports.ErrOrderNotFound) {
			s.logger.Debug(ctx, op+": No orders to cancel", map[string]interface{}{"symbol": symbol})
			return nil
		}
		s.logger.Warn(ctx, op+": Failed to cancel orders", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return err
	}
	return nil
}

// syncLoop periodically closes engine positions whose exposure is gone from the exchange.
func (s *TradingService) syncLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx, true)
		}
	}
}

// reconcile compares net exposure per symbol with the exchange. With closeFlat,
// positions on a symbol the exchange reports flat are closed at the mark price.
func (s *TradingService) reconcile(ctx context.Context, closeFlat bool) {
	op := "reconcile"
	held, err := s.market.GetOpenPositions(ctx)
	if err != nil {
		s.logger.Warn(ctx, op+": Failed to fetch exchange positions", map[string]interface{}{"error": err.Error()})
		return
	}

	exchangeNet := make(map[string]float64)
	for _, p := range held {
		exchangeNet[p.Symbol] += p.Amount
	}
	engineNet := make(map[string]float64)
	for _, p := range s.positions.ActivePositions() {
		engineNet[p.Symbol] += p.Direction() * p.Size
	}

	for symbol, net := range engineNet {
		if math.Abs(exchangeNet[symbol]-net) > 1e-9 {
			s.logger.Warn(ctx, op+": Exposure differs from exchange", map[string]interface{}{
				"symbol": symbol, "engine": net, "exchange": exchangeNet[symbol],
			})
		}
		if closeFlat && exchangeNet[symbol] == 0 {
			s.closeFlat(ctx, symbol)
		}
	}
	for symbol, net := range exchangeNet {
		if _, ok := engineNet[symbol]; !ok {
			s.logger.Warn(ctx, op+": Exchange position unknown to the engine", map[string]interface{}{"symbol": symbol, "amount": net})
		}
	}
}

func (s *TradingService) closeFlat(ctx context.Context, symbol string) {
	op := "closeFlat"
	mark, err := s.market.GetMarkPrice(ctx, symbol)
	if err != nil {
		s.logger.Warn(ctx, op+": No mark price, positions left open", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return
	}

	unlock := s.positions.LockSymbol(symbol)
	defer unlock()
	for _, p := range s.positions.ActivePositions() {
		if p.Symbol != symbol {
			continue
		}
		if r := s.positions.ClosePosition(p.ID, mark, domain.CloseReasonExitFill); r.OK {
			s.afterClose(ctx, r.Position)
		}
	}
	_ = s.cancelOrdersWarn(ctx, symbol)
}

// --- Query API ---

// GetSystemStatus returns a snapshot of the engine state.
func (s *TradingService) GetSystemStatus() SystemStatus {
	s.mu.Lock()
	running, startedAt := s.running, s.startedAt
	s.mu.Unlock()

	st := SystemStatus{
		Running:             running,
		StartedAt:           startedAt,
		ActivePositions:     s.positions.OpenCount(),
		PendingReservations: s.positions.PendingCount(),
		RiskProfile:         s.profiles.Active().Name,
		Limits:              s.positions.Limits(),
		Metrics:             s.positions.Metrics(),
		LeverageCacheSize:   s.matrix.CacheSize(),
	}
	if running {
		st.Uptime = time.Since(startedAt)
	}
	return st
}

// GetActivePositions returns the open positions, oldest first.
func (s *TradingService) GetActivePositions() []domain.Position {
	return s.positions.ActivePositions()
}

// GetTradeHistory returns up to limit closed positions, newest first.
func (s *TradingService) GetTradeHistory(limit int) []domain.Position {
	return s.positions.TradeHistory(limit)
}

// GetPerformanceMetrics returns the running performance metrics.
func (s *TradingService) GetPerformanceMetrics() domain.PerformanceMetrics {
	return s.positions.Metrics()
}

// GetRecentOpportunities returns up to limit opportunities seen by admission, newest first.
func (s *TradingService) GetRecentOpportunities(limit int) []domain.Opportunity {
	return s.positions.RecentOpportunities(limit)
}

// SetRiskProfile switches the active risk profile. An unknown name leaves the
// current profile in place.
func (s *TradingService) SetRiskProfile(name string) error {
	if err := s.profiles.SetActive(name); err != nil {
		return err
	}
	s.logger.Info(context.Background(), "Risk profile changed", map[string]interface{}{"profile": name})
	return nil
}

// UpdateLeverageMatrix replaces the base leverage grid.
func (s *TradingService) UpdateLeverageMatrix(rows [][]float64) error {
	return s.matrix.UpdateLeverageMatrixRows(rows)
}

// AllocateCapital splits capital across simultaneous opportunities.
func (s *TradingService) AllocateCapital(opps []domain.Opportunity, capital float64) []risk.Allocation {
	return s.allocator.CalculateOptimalCapitalAllocation(opps, capital)
}

// Reset drops all in-memory positions, history and metrics. Storage is untouched.
func (s *TradingService) Reset() {
	s.positions.Reset()
	s.matrix.ClearCache()
	s.metrics.OpenPositions(0)
}

// Events returns the engine event stream.
func (s *TradingService) Events() <-chan Event {
	return s.events
}

// --- Events ---

func (s *TradingService) reject(ctx context.Context, opp domain.Opportunity, reason string) {
	s.metrics.OpportunityRejected(opp.Symbol, reason)
	s.logger.Info(ctx, "Opportunity rejected", map[string]interface{}{
		"symbol":    opp.Symbol,
		"direction": opp.Direction,
		"strategy":  opp.Strategy,
		"reason":    reason,
	})
	s.publish(ctx, Event{Type: EventOpportunityRejected, Symbol: opp.Symbol, Opportunity: &opp, Reason: reason})
}

func (s *TradingService) fail(ctx context.Context, opp domain.Opportunity, err error) {
	s.logger.Error(ctx, err, "Opportunity failed", map[string]interface{}{"symbol": opp.Symbol})
	s.publish(ctx, Event{Type: EventOpportunityError, Symbol: opp.Symbol, Opportunity: &opp, Err: err})
}

func (s *TradingService) publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn(ctx, "Event channel full, event dropped", map[string]interface{}{"type": ev.Type, "symbol": ev.Symbol})
	}
}

func snapshot(p *domain.Position) *domain.Position {
	c := *p
	return &c
}
