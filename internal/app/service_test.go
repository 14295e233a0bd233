package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresRiskBot/config"
	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/exits"
	"futuresRiskBot/internal/lifecycle"
	"futuresRiskBot/internal/ports"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) warned(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.warnMsgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type mockExecutor struct {
	mu        sync.Mutex
	nextID    int64
	orders    []domain.OrderRequest
	cancels   []string
	leverage  map[string]int
	fillPrice float64
	entryErr  error // non reduce-only MARKET orders
	closeErr  error // reduce-only MARKET orders
	legErr    error // conditional orders
	step      float64
}

func newMockExecutor(fillPrice float64) *mockExecutor {
	return &mockExecutor{fillPrice: fillPrice, leverage: make(map[string]int)}
}

func (m *mockExecutor) ExecuteOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, req)
	m.nextID++
	res := &domain.OrderResult{OrderID: m.nextID, Symbol: req.Symbol, Side: req.Side, Type: req.Type, OrigQty: req.Quantity}

	if req.Type != domain.OrderTypeMarket {
		if m.legErr != nil {
			return nil, m.legErr
		}
		res.Status = "NEW"
		return res, nil
	}
	if req.ReduceOnly && m.closeErr != nil {
		return nil, m.closeErr
	}
	if !req.ReduceOnly && m.entryErr != nil {
		return nil, m.entryErr
	}
	res.Status = "FILLED"
	res.AvgPrice = m.fillPrice
	res.ExecutedQty = req.Quantity
	return res, nil
}

func (m *mockExecutor) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, symbol)
	return nil
}

func (m *mockExecutor) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *mockExecutor) QuantityStep(ctx context.Context, symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

func (m *mockExecutor) setFillPrice(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrice = p
}

func (m *mockExecutor) placed() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderRequest(nil), m.orders...)
}

func (m *mockExecutor) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = nil
	m.cancels = nil
}

type mockMarket struct {
	balance    float64
	balanceErr error
	mark       float64
	markErr    error
	positions  []domain.ExchangePosition
	ticks      []domain.Tick
}

// ApplyTick makes the mock priced from the feed, as the paper exchange is.
func (m *mockMarket) ApplyTick(ctx context.Context, tick domain.Tick) {
	m.ticks = append(m.ticks, tick)
	m.mark = tick.Price
}

func (m *mockMarket) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	return m.balance, m.balanceErr
}

func (m *mockMarket) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return m.mark, m.markErr
}

func (m *mockMarket) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	return m.positions, nil
}

type mockFeed struct {
	opps  []domain.Opportunity
	items []domain.FeedItem // used instead of opps when set
}

func (m *mockFeed) Records(ctx context.Context) (<-chan domain.FeedItem, error) {
	items := m.items
	if items == nil {
		for i := range m.opps {
			items = append(items, domain.FeedItem{Opportunity: &m.opps[i]})
		}
	}
	ch := make(chan domain.FeedItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch, nil
}

type mockPositionRepo struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
	open      []*domain.Position
	createErr error
}

func newMockPositionRepo() *mockPositionRepo {
	return &mockPositionRepo{positions: make(map[string]*domain.Position)}
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	c := *pos
	m.positions[pos.ID] = &c
	return nil
}

func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return ports.ErrNotFound
	}
	c := *pos
	m.positions[pos.ID] = &c
	return nil
}

func (m *mockPositionRepo) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id], nil
}

func (m *mockPositionRepo) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	return m.open, nil
}

func (m *mockPositionRepo) FindAll(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockPositionRepo) GetTotalProfit(ctx context.Context) (float64, error) {
	return 0, nil
}

func (m *mockPositionRepo) get(id string) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id]
}

type mockTradeRepo struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (m *mockTradeRepo) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return int64(len(m.trades)), nil
}

func (m *mockTradeRepo) FindRecent(ctx context.Context, limit int) ([]*domain.Trade, error) {
	return m.trades, nil
}

func (m *mockTradeRepo) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	return nil, nil
}

func (m *mockTradeRepo) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	return 0, nil
}

type fixedAdvisor float64

func (f fixedAdvisor) Multiplier(context.Context, string, time.Time) float64 { return float64(f) }

type mockMetrics struct {
	mu       sync.Mutex
	received int
	rejected map[string]int
	opened   int
	closed   int
	open     int
}

func (m *mockMetrics) OpportunityReceived(string) { m.mu.Lock(); m.received++; m.mu.Unlock() }
func (m *mockMetrics) OpportunityRejected(_, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected == nil {
		m.rejected = make(map[string]int)
	}
	m.rejected[reason]++
}
func (m *mockMetrics) PositionOpened(string, float64) { m.mu.Lock(); m.opened++; m.mu.Unlock() }
func (m *mockMetrics) PositionClosed(string, float64) { m.mu.Lock(); m.closed++; m.mu.Unlock() }
func (m *mockMetrics) ExitLegs(string, int, int)      {}
func (m *mockMetrics) OpenPositions(n int)            { m.mu.Lock(); m.open = n; m.mu.Unlock() }

// --- Helpers ---

func testConfig() *config.Config {
	return &config.Config{
		PaperTrading:              true,
		QuoteAsset:                "USDT",
		RiskToleranceLevel:        domain.ProfileBalanced,
		MaxPositions:              10,
		MaxSymbolPositions:        2,
		MaxStrategyPositions:      3,
		HistorySize:               100,
		DefaultRiskPerTrade:       1,
		MinOpportunityScore:       0.3,
		EnableFractionalContracts: true,
		MinLeverage:               1,
		MaxLeverage:               25,
		MaxLeverageUnderHighVol:   10,
		MinLiquidity:              0.2,
		MaxMomentumImpact:         0.25,
		EventBuffer:               128,
	}
}

type fixture struct {
	svc     *TradingService
	logger  *mockLogger
	exec    *mockExecutor
	market  *mockMarket
	feed    *mockFeed
	posRepo *mockPositionRepo
	trades  *mockTradeRepo
	metrics *mockMetrics
}

func newFixture(t *testing.T, cfg *config.Config, advisor ports.Advisor) *fixture {
	t.Helper()
	f := &fixture{
		logger:  &mockLogger{},
		exec:    newMockExecutor(100),
		market:  &mockMarket{balance: 10000, mark: 100},
		feed:    &mockFeed{},
		posRepo: newMockPositionRepo(),
		trades:  &mockTradeRepo{},
		metrics: &mockMetrics{},
	}
	if advisor == nil {
		advisor = fixedAdvisor(1)
	}
	svc, err := NewTradingService(cfg, Dependencies{
		Logger:    f.logger,
		Executor:  f.exec,
		Market:    f.market,
		Feed:      f.feed,
		Positions: f.posRepo,
		Trades:    f.trades,
		Advisor:   advisor,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.begin(context.Background(), func() {}))
}

func opportunity(symbol string, dir domain.Direction) domain.Opportunity {
	return domain.Opportunity{
		Symbol:     symbol,
		Direction:  dir,
		Strategy:   domain.StrategyTrend,
		Score:      domain.Float(0.8),
		Edge:       domain.Float(0.6),
		Volatility: domain.Float(0.03),
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// stopQty sums the stop-group legs; exit legs are dispatched concurrently so order is not fixed.
func stopQty(orders []domain.OrderRequest) float64 {
	total := 0.0
	for _, o := range orders {
		if o.Type == domain.OrderTypeTrailingStopMarket || o.Type == domain.OrderTypeStopMarket {
			total += o.Quantity
		}
	}
	return total
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// --- Tests ---

func TestNewTradingService(t *testing.T) {
	t.Run("missing dependencies", func(t *testing.T) {
		_, err := NewTradingService(testConfig(), Dependencies{Logger: &mockLogger{}})
		assert.ErrorIs(t, err, ports.ErrConfiguration)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewTradingService(nil, Dependencies{})
		assert.ErrorIs(t, err, ports.ErrConfiguration)
	})

	t.Run("unknown risk profile", func(t *testing.T) {
		cfg := testConfig()
		cfg.RiskToleranceLevel = "reckless"
		_, err := NewTradingService(cfg, Dependencies{
			Logger: &mockLogger{}, Executor: newMockExecutor(1), Market: &mockMarket{}, Feed: &mockFeed{},
			Positions: newMockPositionRepo(), Trades: &mockTradeRepo{}, Advisor: fixedAdvisor(1), Metrics: &mockMetrics{},
		})
		assert.ErrorIs(t, err, ports.ErrConfiguration)
	})

	t.Run("invalid leverage bounds", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxLeverage = 0.5
		_, err := NewTradingService(cfg, Dependencies{
			Logger: &mockLogger{}, Executor: newMockExecutor(1), Market: &mockMarket{}, Feed: &mockFeed{},
			Positions: newMockPositionRepo(), Trades: &mockTradeRepo{}, Advisor: fixedAdvisor(1), Metrics: &mockMetrics{},
		})
		assert.ErrorIs(t, err, ports.ErrConfiguration)
	})

	t.Run("valid", func(t *testing.T) {
		f := newFixture(t, testConfig(), nil)
		st := f.svc.GetSystemStatus()
		assert.False(t, st.Running)
		assert.Equal(t, domain.ProfileBalanced, st.RiskProfile)
		assert.Equal(t, 2, st.Limits.MaxSymbolPositions)
	})
}

func TestProcessOpportunity_NotRunning(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	pos, err := f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
	assert.Nil(t, pos)
	assert.ErrorIs(t, err, ports.ErrNotRunning)
}

func TestProcessOpportunity_OpensPositionWithExitLadder(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)

	pos, err := f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.Buy, pos.Side)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Greater(t, pos.Size, 0.0)
	assert.GreaterOrEqual(t, pos.Leverage, 1.0)
	assert.LessOrEqual(t, pos.Leverage, 25.0)
	assert.Less(t, pos.StopLoss, pos.EntryPrice)
	assert.Greater(t, pos.TakeProfit, pos.EntryPrice)
	assert.GreaterOrEqual(t, pos.TrailingDelta, 0.5)
	assert.LessOrEqual(t, pos.TrailingDelta, 5.0)

	orders := f.exec.placed()
	require.Len(t, orders, 6, "entry plus two stop legs and three take-profit tiers")
	assert.Equal(t, domain.OrderTypeMarket, orders[0].Type)
	assert.False(t, orders[0].ReduceOnly)
	assert.Equal(t, domain.Buy, orders[0].Side)
	for _, leg := range orders[1:] {
		assert.True(t, leg.ReduceOnly)
		assert.Equal(t, domain.Sell, leg.Side)
	}
	assert.Contains(t, f.exec.leverage, "BTCUSDT")

	stored := f.posRepo.get(pos.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusOpen, stored.Status)

	evs := drain(f.svc.Events())
	assert.Equal(t, []EventType{EventExitOrdersPlaced, EventPositionOpened}, eventTypes(evs))
	assert.Equal(t, 5, evs[0].Placed)
	assert.Equal(t, 1, f.metrics.opened)
	assert.Equal(t, 1, f.metrics.open)
}

func TestProcessOpportunity_ShortUsesSellEntry(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)

	pos, err := f.svc.ProcessOpportunity(context.Background(), opportunity("ETHUSDT", domain.Short))
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.Sell, pos.Side)
	assert.Greater(t, pos.StopLoss, pos.EntryPrice)
	assert.Less(t, pos.TakeProfit, pos.EntryPrice)
}

func TestProcessOpportunity_Validation(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	noSymbol := opportunity("", domain.Long)
	pos, err := f.svc.ProcessOpportunity(ctx, noSymbol)
	assert.Nil(t, pos)
	assert.ErrorIs(t, err, ports.ErrValidation)

	badDirection := opportunity("BTCUSDT", "SIDEWAYS")
	_, err = f.svc.ProcessOpportunity(ctx, badDirection)
	assert.ErrorIs(t, err, ports.ErrValidation)

	evs := drain(f.svc.Events())
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, EventOpportunityRejected, ev.Type)
		assert.Equal(t, ReasonInvalidOpportunity, ev.Reason)
	}
	assert.Empty(t, f.exec.placed())
}

func TestProcessOpportunity_ScoreFilter(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	low := opportunity("BTCUSDT", domain.Long)
	low.Score = domain.Float(0.2)
	pos, err := f.svc.ProcessOpportunity(ctx, low)
	assert.NoError(t, err)
	assert.Nil(t, pos)
	assert.Equal(t, 1, f.metrics.rejected[ReasonScoreBelowMinimum])

	unscored := opportunity("BTCUSDT", domain.Long)
	unscored.Score = nil
	pos, err = f.svc.ProcessOpportunity(ctx, unscored)
	assert.NoError(t, err)
	assert.NotNil(t, pos, "an unscored opportunity is not filtered")
}

func TestProcessOpportunity_LimitRejection(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		pos, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
		require.NoError(t, err)
		require.NotNil(t, pos)
	}
	drain(f.svc.Events())

	pos, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	assert.NoError(t, err, "a limit rejection is not an error")
	assert.Nil(t, pos)

	evs := drain(f.svc.Events())
	require.Len(t, evs, 1)
	assert.Equal(t, EventOpportunityRejected, evs[0].Type)
	assert.Equal(t, lifecycle.ReasonMaxSymbolPositions, evs[0].Reason)
	assert.Equal(t, 2, f.svc.GetSystemStatus().ActivePositions)
}

func TestProcessOpportunity_EntryFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	f.exec.entryErr = ports.ErrOrderPlacementFailed

	pos, err := f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
	assert.Nil(t, pos)
	assert.ErrorIs(t, err, ports.ErrExecution)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)

	st := f.svc.GetSystemStatus()
	assert.Equal(t, 0, st.ActivePositions)
	assert.Equal(t, 0, st.PendingReservations)
	assert.Empty(t, f.posRepo.positions)

	evs := drain(f.svc.Events())
	require.Len(t, evs, 1)
	assert.Equal(t, EventOpportunityError, evs[0].Type)
	assert.ErrorIs(t, evs[0].Err, ports.ErrExecution)

	// The released slot is usable again.
	f.exec.entryErr = nil
	pos, err = f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	assert.NotNil(t, pos)
}

func TestProcessOpportunity_SizingRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		cfg     func(c *config.Config)
		advisor ports.Advisor
		reason  string
	}{
		{
			name:   "no balance",
			setup:  func(f *fixture) { f.market.balance = 0 },
			reason: ReasonInsufficientBalance,
		},
		{
			name:    "advisory zeroes the size",
			advisor: fixedAdvisor(0),
			reason:  ReasonNoPositiveSize,
		},
		{
			name:   "quantity below minimum",
			setup:  func(f *fixture) { f.market.mark = 1e9 },
			reason: ReasonSizeTooSmall,
		},
		{
			name:   "whole contracts only",
			setup:  func(f *fixture) { f.market.mark = 1e6 },
			cfg:    func(c *config.Config) { c.EnableFractionalContracts = false },
			reason: ReasonSizeTooSmall,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(cfg)
			}
			f := newFixture(t, cfg, tt.advisor)
			if tt.setup != nil {
				tt.setup(f)
			}
			f.start(t)

			pos, err := f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
			assert.NoError(t, err)
			assert.Nil(t, pos)
			assert.Equal(t, 1, f.metrics.rejected[tt.reason])
			assert.Equal(t, 0, f.svc.GetSystemStatus().PendingReservations)
			assert.Empty(t, f.exec.placed())
		})
	}
}

func TestProcessOpportunity_InvalidSizingInputsSurface(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)

	opp := opportunity("BTCUSDT", domain.Long)
	opp.WinRate = domain.Float(1.5)
	pos, err := f.svc.ProcessOpportunity(context.Background(), opp)
	assert.Nil(t, pos)
	assert.ErrorIs(t, err, ports.ErrValidation)
	assert.Equal(t, 0, f.svc.GetSystemStatus().PendingReservations)
}

func TestProcessOpportunity_BalanceErrorIsExecutionError(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.market.balanceErr = ports.ErrExchangeUnavailable
	f.start(t)

	_, err := f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
	assert.ErrorIs(t, err, ports.ErrExecution)
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)
}

func TestProcessOpportunity_ConcurrentSameSymbol(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)

	var wg sync.WaitGroup
	results := make([]*domain.Position, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
		}(i)
	}
	wg.Wait()

	opened := 0
	for i := range results {
		assert.NoError(t, errs[i])
		if results[i] != nil {
			opened++
		}
	}
	assert.Equal(t, 2, opened)
	assert.Equal(t, 3, f.metrics.rejected[lifecycle.ReasonMaxSymbolPositions])
	assert.Equal(t, 2, f.svc.GetSystemStatus().ActivePositions)
}

func TestHandleFill_ClosesPositionAndRecordsTrade(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	pos, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	drain(f.svc.Events())
	f.exec.reset()

	// A fill that is not reduce-only never closes anything.
	f.svc.HandleFill(ctx, domain.Fill{Symbol: "BTCUSDT", Side: domain.Sell, AvgPrice: 110, FilledQty: pos.Size})
	assert.Equal(t, 1, f.svc.GetSystemStatus().ActivePositions)

	half := pos.Size / 2
	f.svc.HandleFill(ctx, domain.Fill{OrderID: 900, Symbol: "BTCUSDT", Side: domain.Sell, AvgPrice: 110, FilledQty: half, ReduceOnly: true})
	assert.Equal(t, 1, f.svc.GetSystemStatus().ActivePositions, "partial fill keeps the position open")

	f.svc.HandleFill(ctx, domain.Fill{OrderID: 901, Symbol: "BTCUSDT", Side: domain.Sell, AvgPrice: 110, FilledQty: pos.Size - half, ReduceOnly: true})
	assert.Equal(t, 0, f.svc.GetSystemStatus().ActivePositions)

	require.Len(t, f.trades.trades, 1)
	trade := f.trades.trades[0]
	assert.Equal(t, pos.ID, trade.PositionID)
	assert.InDelta(t, 10*pos.Size, trade.PNL, 1e-9)
	assert.Equal(t, domain.CloseReasonExitFill, trade.CloseReason)

	stored := f.posRepo.get(pos.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusClosed, stored.Status)

	assert.Contains(t, f.exec.cancels, "BTCUSDT", "remaining exit legs are cancelled")
	assert.Empty(t, f.exec.placed(), "no position left to re-arm")

	evs := drain(f.svc.Events())
	require.Len(t, evs, 1)
	assert.Equal(t, EventPositionClosed, evs[0].Type)

	m := f.svc.GetPerformanceMetrics()
	assert.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 1, f.metrics.closed)
}

func TestHandleFill_UnknownPositionIsWarned(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)

	f.svc.HandleFill(context.Background(), domain.Fill{Symbol: "XRPUSDT", Side: domain.Sell, AvgPrice: 1, FilledQty: 1, ReduceOnly: true})
	assert.True(t, f.logger.warned("No open position matches exit fill"))
	assert.Empty(t, f.trades.trades)
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	r, err := f.svc.ClosePosition(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, r.OK)
	assert.Equal(t, lifecycle.ReasonNotFound, r.Reason)

	first, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	second, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	drain(f.svc.Events())
	f.exec.reset()
	f.exec.setFillPrice(95)

	r, err = f.svc.ClosePosition(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, r.OK)
	assert.Equal(t, domain.CloseReasonManual, r.Position.CloseReason)
	assert.Equal(t, 95.0, r.Position.ExitPrice)
	assert.InDelta(t, -5*first.Size, r.Position.PNL, 1e-9)

	orders := f.exec.placed()
	require.NotEmpty(t, orders)
	assert.Equal(t, domain.OrderTypeMarket, orders[0].Type)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, domain.Sell, orders[0].Side)
	assert.Equal(t, first.Size, orders[0].Quantity)
	require.Len(t, orders[1:], 5, "the remaining position gets a fresh ladder")
	assert.InDelta(t, second.Size, stopQty(orders[1:]), 1e-9, "stop legs cover the remaining position")

	// Closing twice is not an error and books nothing.
	r, err = f.svc.ClosePosition(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ReasonNotFound, r.Reason)
	assert.Equal(t, 1, f.svc.GetPerformanceMetrics().TotalTrades)
}

func TestClosePosition_ConcurrentClosesSendOneOrder(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	first, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	_, err = f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	drain(f.svc.Events())
	f.exec.reset()

	// Both callers see the position open before either gets the symbol.
	unlock := f.svc.positions.LockSymbol("BTCUSDT")
	var wg sync.WaitGroup
	results := make([]lifecycle.CloseResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.svc.ClosePosition(ctx, first.ID)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	unlock()
	wg.Wait()

	closes := 0
	for _, o := range f.exec.placed() {
		if o.Type == domain.OrderTypeMarket && o.ReduceOnly {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
	assert.True(t, results[0].OK != results[1].OK, "exactly one close succeeds")
	assert.Len(t, f.trades.trades, 1)
	assert.Equal(t, 1, f.svc.GetSystemStatus().ActivePositions)
}

func TestHandleFill_NettedFillClosesEveryCoveredPosition(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	a, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	b, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	drain(f.svc.Events())
	f.exec.reset()

	f.svc.HandleFill(ctx, domain.Fill{OrderID: 900, Symbol: "BTCUSDT", Side: domain.Sell, AvgPrice: 110, FilledQty: a.Size / 2, ReduceOnly: true})
	f.exec.reset()
	f.svc.HandleFill(ctx, domain.Fill{OrderID: 901, Symbol: "BTCUSDT", Side: domain.Sell, AvgPrice: 110, FilledQty: a.Size/2 + b.Size, ReduceOnly: true})

	assert.Equal(t, 0, f.svc.GetSystemStatus().ActivePositions)
	require.Len(t, f.trades.trades, 2)
	assert.Equal(t, a.ID, f.trades.trades[0].PositionID)
	assert.Equal(t, b.ID, f.trades.trades[1].PositionID)
	assert.Empty(t, f.exec.placed())

	closed := 0
	for _, ev := range drain(f.svc.Events()) {
		if ev.Type == EventPositionClosed {
			closed++
		}
	}
	assert.Equal(t, 2, closed)
}

func TestHandleFill_PartialFillReArmsRemainder(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	pos, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	f.exec.reset()

	f.svc.HandleFill(ctx, domain.Fill{OrderID: 900, Symbol: "BTCUSDT", Side: domain.Sell, AvgPrice: 110, FilledQty: pos.Size / 4, ReduceOnly: true})

	orders := f.exec.placed()
	require.Len(t, orders, 5)
	assert.InDelta(t, pos.Size*3/4, stopQty(orders), 1e-9, "stop legs cover what is left")
}

func TestProcessOpportunity_LotStep(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.exec.step = 0.001
	f.start(t)

	pos, err := f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)

	orders := f.exec.placed()
	require.NotEmpty(t, orders)
	entry := orders[0]
	assert.Equal(t, entry.Quantity, exits.FloorToStep(entry.Quantity, 0.001), "entry is a whole number of steps")

	legs := orders[1:]
	tps := 0.0
	for _, o := range legs {
		assert.Equal(t, o.Quantity, exits.FloorToStep(o.Quantity, 0.001), "%s leg is a whole number of steps", o.Type)
		if o.Type == domain.OrderTypeTakeProfitMarket {
			tps += o.Quantity
		}
	}
	assert.InDelta(t, pos.Size, stopQty(legs), 1e-9)
	assert.InDelta(t, pos.Size, tps, 1e-9)
}

func TestClosePosition_OrderFailureKeepsPositionProtected(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	pos, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	f.exec.reset()
	f.exec.closeErr = ports.ErrRateLimited

	_, err = f.svc.ClosePosition(ctx, pos.ID)
	assert.ErrorIs(t, err, ports.ErrExecution)
	assert.ErrorIs(t, err, ports.ErrRateLimited)
	assert.Equal(t, 1, f.svc.GetSystemStatus().ActivePositions)

	orders := f.exec.placed()
	require.Len(t, orders, 6, "failed close plus a re-armed ladder")
	for _, leg := range orders[1:] {
		assert.NotEqual(t, domain.OrderTypeMarket, leg.Type)
	}
}

func TestCloseAllPositions(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		_, err := f.svc.ProcessOpportunity(ctx, opportunity(sym, domain.Long))
		require.NoError(t, err)
	}

	results, err := f.svc.CloseAllPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Empty(t, f.svc.GetActivePositions())
	assert.Len(t, f.svc.GetTradeHistory(0), 3)
	assert.Len(t, f.trades.trades, 3)
}

func TestSetRiskProfile(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	err := f.svc.SetRiskProfile("reckless")
	assert.ErrorIs(t, err, ports.ErrConfiguration)
	assert.Equal(t, domain.ProfileBalanced, f.svc.GetSystemStatus().RiskProfile)

	require.NoError(t, f.svc.SetRiskProfile(domain.ProfileAggressive))
	assert.Equal(t, domain.ProfileAggressive, f.svc.GetSystemStatus().RiskProfile)
}

func TestReset(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	_, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	assert.Greater(t, f.svc.GetSystemStatus().LeverageCacheSize, 0)

	f.svc.Reset()
	st := f.svc.GetSystemStatus()
	assert.Equal(t, 0, st.ActivePositions)
	assert.Equal(t, 0, st.LeverageCacheSize)
	assert.Empty(t, f.svc.GetRecentOpportunities(0))
}

func TestEvents_DroppedWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 1
	f := newFixture(t, cfg, nil)
	f.start(t)

	low := opportunity("BTCUSDT", domain.Long)
	low.Score = domain.Float(0.1)
	for i := 0; i < 3; i++ {
		_, err := f.svc.ProcessOpportunity(context.Background(), low)
		require.NoError(t, err)
	}
	assert.Len(t, drain(f.svc.Events()), 1)
	assert.True(t, f.logger.warned("Event channel full"))
}

func TestReconcile_ClosesPositionsFlatOnExchange(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	pos, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	f.market.mark = 104

	f.svc.reconcile(ctx, false)
	assert.Equal(t, 1, f.svc.GetSystemStatus().ActivePositions, "startup reconcile only warns")
	assert.True(t, f.logger.warned("Exposure differs from exchange"))

	f.svc.reconcile(ctx, true)
	assert.Equal(t, 0, f.svc.GetSystemStatus().ActivePositions)
	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, pos.ID, f.trades.trades[0].PositionID)
	assert.InDelta(t, 4*pos.Size, f.trades.trades[0].PNL, 1e-9)
}

func TestStart_RestoresAndConsumesFeed(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	restored := &domain.Position{
		ID: "restored-1", OrderID: 77, Symbol: "BNBUSDT", Side: domain.Buy, Size: 2, EntryPrice: 500,
		Leverage: 3, Status: domain.StatusOpen, EntryTime: time.Now().Add(-time.Hour),
	}
	f.posRepo.open = []*domain.Position{restored}
	f.feed.opps = []domain.Opportunity{
		opportunity("BTCUSDT", domain.Long),
		opportunity("", domain.Long), // invalid, logged and skipped
		opportunity("ETHUSDT", domain.Short),
	}

	err := f.svc.Start(context.Background())
	require.NoError(t, err)

	assert.False(t, f.svc.GetSystemStatus().Running, "stopped once the feed is exhausted")
	active := f.svc.GetActivePositions()
	require.Len(t, active, 3)
	assert.Equal(t, "restored-1", active[0].ID)
	assert.Equal(t, 3, f.metrics.received)
}

func TestStart_AppliesTicksInFeedOrder(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	btc, eth := opportunity("BTCUSDT", domain.Long), opportunity("ETHUSDT", domain.Long)
	f.feed.items = []domain.FeedItem{
		{Opportunity: &btc},
		{Tick: &domain.Tick{Symbol: "BTCUSDT", Price: 50}},
		{Opportunity: &eth},
	}

	require.NoError(t, f.svc.Start(context.Background()))

	active := f.svc.GetActivePositions()
	require.Len(t, active, 2)
	require.Len(t, f.market.ticks, 1)
	// Same sizing for both; BTC was sized at mark 100, ETH after the tick at 50.
	assert.InDelta(t, 2*active[0].Size, active[1].Size, 1e-9)
	assert.Equal(t, "BTCUSDT", active[0].Symbol)
}

func TestStop_CancelsStart(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	blocking := &blockingFeed{ch: make(chan domain.FeedItem)}
	f.svc.feed = blocking

	done := make(chan error, 1)
	go func() { done <- f.svc.Start(context.Background()) }()

	require.Eventually(t, func() bool { return f.svc.GetSystemStatus().Running }, time.Second, 5*time.Millisecond)
	f.svc.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

type blockingFeed struct {
	ch chan domain.FeedItem
}

func (b *blockingFeed) Records(ctx context.Context) (<-chan domain.FeedItem, error) {
	return b.ch, nil
}

func TestExchangeLeverage(t *testing.T) {
	assert.Equal(t, 1, exchangeLeverage(0.4))
	assert.Equal(t, 7, exchangeLeverage(7.9))
	assert.Equal(t, 25, exchangeLeverage(25))
}

func TestEntryFillFallbacks(t *testing.T) {
	f := entryFill(&domain.OrderResult{OrderID: 5}, "BTCUSDT", domain.Buy, 0.5, 101)
	assert.Equal(t, 101.0, f.AvgPrice)
	assert.Equal(t, 0.5, f.FilledQty)

	f = entryFill(&domain.OrderResult{OrderID: 6, AvgPrice: 99, OrigQty: 0.4}, "BTCUSDT", domain.Buy, 0.5, 101)
	assert.Equal(t, 99.0, f.AvgPrice)
	assert.Equal(t, 0.4, f.FilledQty)
}

func TestProcessOpportunity_PersistFailureKeepsPosition(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.posRepo.createErr = errors.New("disk full")
	f.start(t)

	pos, err := f.svc.ProcessOpportunity(context.Background(), opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Len(t, f.exec.placed(), 6, "exit ladder is still placed")
}

func TestQueriesAndMatrixUpdates(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.start(t)
	ctx := context.Background()

	eth := opportunity("ETHUSDT", domain.Short)
	_, err := f.svc.ProcessOpportunity(ctx, opportunity("BTCUSDT", domain.Long))
	require.NoError(t, err)
	pos, err := f.svc.ProcessOpportunity(ctx, eth)
	require.NoError(t, err)

	recent := f.svc.GetRecentOpportunities(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "ETHUSDT", recent[0].Symbol)

	res, err := f.svc.ClosePosition(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, res.OK)
	history := f.svc.GetTradeHistory(0)
	require.Len(t, history, 1)
	assert.Equal(t, pos.ID, history[0].ID)
	assert.Equal(t, 1, f.svc.GetPerformanceMetrics().TotalTrades)

	assert.Positive(t, f.svc.GetSystemStatus().LeverageCacheSize)
	grid := domain.DefaultLeverageGrid()
	rows := make([][]float64, len(grid))
	for i := range grid {
		rows[i] = append([]float64(nil), grid[i][:]...)
	}
	require.NoError(t, f.svc.UpdateLeverageMatrix(rows))
	assert.Zero(t, f.svc.GetSystemStatus().LeverageCacheSize)
	assert.ErrorIs(t, f.svc.UpdateLeverageMatrix(rows[:3]), ports.ErrConfiguration)

	allocs := f.svc.AllocateCapital([]domain.Opportunity{opportunity("BTCUSDT", domain.Long), eth}, 1000)
	require.Len(t, allocs, 2)
	assert.InDelta(t, 1000, allocs[0].AllocatedCapital+allocs[1].AllocatedCapital, 1e-9)
}
