// Package lifecycle tracks positions through PENDING -> OPEN -> CLOSED, enforces
// the concurrency caps and keeps the performance metrics.
package lifecycle

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// Rejection and close-result reasons.
const (
	ReasonMaxPositions         = "MAX_POSITIONS"
	ReasonMaxSymbolPositions   = "MAX_SYMBOL_POSITIONS"
	ReasonMaxStrategyPositions = "MAX_STRATEGY_POSITIONS"
	ReasonNotFound             = "NOT_FOUND"
	ReasonPartial              = "PARTIAL"
	ReasonInvalidPrice         = "INVALID_PRICE"
)

const (
	defaultTradeHistoryLimit = 20
	opportunityLogSize       = 200
	qtyTolerance             = 1e-9
)

// Limits caps the number of concurrently held positions.
type Limits struct {
	MaxPositions         int
	MaxSymbolPositions   int
	MaxStrategyPositions int
	HistorySize          int
}

// DefaultLimits returns the stock caps.
func DefaultLimits() Limits {
	return Limits{
		MaxPositions:         10,
		MaxSymbolPositions:   2,
		MaxStrategyPositions: 3,
		HistorySize:          100,
	}
}

// Admission is the outcome of a limit check.
type Admission struct {
	Accepted bool
	Reason   string
}

// Reservation is a slot held for an opportunity between admission and its entry fill.
type Reservation struct {
	ID          string
	Opportunity domain.Opportunity
	CreatedAt   time.Time
}

// EntryDetails are the values decided by sizing that the entry fill does not carry.
type EntryDetails struct {
	Leverage      float64
	StopLoss      float64
	TakeProfit    float64
	TrailingDelta float64
	Volatility    float64
}

// CloseResult reports a close attempt. Closing an unknown or already closed
// position is not an error: OK is false and Reason is NOT_FOUND.
type CloseResult struct {
	OK       bool
	Reason   string
	Position *domain.Position
	Closed   []domain.Position // every position closed by the call; set by OnExitFill
}

type openPosition struct {
	pos       domain.Position
	exitQty   float64 // reduce-only quantity filled so far
	exitValue float64 // sum of price*qty over those fills
}

// Manager owns every position known to the engine. All state changes happen under
// one mutex so each transition and its metric update is applied as a unit.
type Manager struct {
	mu sync.Mutex

	limits        Limits
	pending       map[string]*Reservation
	open          map[string]*openPosition
	openOrder     []string         // open ids, oldest first
	byOrderID     map[int64]string // entry order id -> position id
	history       []domain.Position
	metrics       domain.PerformanceMetrics
	opportunities []domain.Opportunity

	symbolMu    sync.Mutex
	symbolLocks map[string]*sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewManager creates a manager with the given caps.
func NewManager(limits Limits) (*Manager, error) {
	if limits.MaxPositions <= 0 || limits.MaxSymbolPositions <= 0 || limits.MaxStrategyPositions <= 0 {
		return nil, fmt.Errorf("%w: position limits must be positive: %+v", ports.ErrConfiguration, limits)
	}
	if limits.HistorySize <= 0 {
		limits.HistorySize = DefaultLimits().HistorySize
	}
	m := &Manager{
		limits:      limits,
		symbolLocks: make(map[string]*sync.Mutex),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	m.reset()
	return m, nil
}

// LockSymbol serialises the admit-size-enter path of one symbol. Callers must
// invoke the returned function to release it.
func (m *Manager) LockSymbol(symbol string) (unlock func()) {
	m.symbolMu.Lock()
	l, ok := m.symbolLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.symbolLocks[symbol] = l
	}
	m.symbolMu.Unlock()

	l.Lock()
	return l.Unlock
}

// CanAccept checks the caps without reserving anything. Pending reservations count.
func (m *Manager) CanAccept(opp domain.Opportunity) Admission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admit(opp)
}

// Reserve checks the caps and, when they allow it, holds a slot for opp in one step.
func (m *Manager) Reserve(opp domain.Opportunity) (*Reservation, Admission) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recordOpportunity(opp)
	adm := m.admit(opp)
	if !adm.Accepted {
		return nil, adm
	}
	res := &Reservation{ID: m.newID(), Opportunity: opp, CreatedAt: m.now()}
	m.pending[res.ID] = res
	return res, adm
}

// Release drops a reservation whose entry never filled. Releasing twice is a no-op.
func (m *Manager) Release(res *Reservation) {
	if res == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, res.ID)
}

// OnEntryFill turns a reservation into an OPEN position. A repeated fill for an
// order that already produced a position returns that position unchanged.
func (m *Manager) OnEntryFill(res *Reservation, fill domain.Fill, d EntryDetails) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byOrderID[fill.OrderID]; ok {
		if res != nil && res.ID != id {
			delete(m.pending, res.ID)
		}
		if p := m.lookup(id); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("%w: entry fill %d was already processed", ports.ErrValidation, fill.OrderID)
	}

	if res == nil {
		return nil, fmt.Errorf("%w: entry fill %d has no reservation", ports.ErrNotFound, fill.OrderID)
	}
	if _, ok := m.pending[res.ID]; !ok {
		return nil, fmt.Errorf("%w: reservation %s is not pending", ports.ErrNotFound, res.ID)
	}
	if !(fill.FilledQty > 0) || !(fill.AvgPrice > 0) {
		return nil, fmt.Errorf("%w: entry fill %d needs positive price and quantity (price=%v qty=%v)",
			ports.ErrValidation, fill.OrderID, fill.AvgPrice, fill.FilledQty)
	}

	opp := res.Opportunity
	entryTime := fill.Time
	if entryTime.IsZero() {
		entryTime = m.now()
	}
	pos := domain.Position{
		ID:            res.ID,
		OrderID:       fill.OrderID,
		Symbol:        opp.Symbol,
		Side:          opp.Direction.EntrySide(),
		Size:          fill.FilledQty,
		EntryPrice:    fill.AvgPrice,
		Leverage:      d.Leverage,
		StopLoss:      d.StopLoss,
		TakeProfit:    d.TakeProfit,
		TrailingDelta: d.TrailingDelta,
		Volatility:    d.Volatility,
		Status:        domain.StatusOpen,
		Strategy:      opp.Strategy,
		Edge:          opp.EdgeOr(0),
		Score:         opp.ScoreOr(0),
		EntryTime:     entryTime,
	}

	delete(m.pending, res.ID)
	m.open[pos.ID] = &openPosition{pos: pos}
	m.openOrder = append(m.openOrder, pos.ID)
	m.byOrderID[pos.OrderID] = pos.ID

	out := pos
	return &out, nil
}

// OnExitFill applies a reduce-only fill to the open positions of the symbol held on
// the opposite side, oldest first. The exchange nets positions per symbol, so one fill
// may cover several: quantity left after a position closes carries to the next one.
// Position is the first position closed, or the reduced one when nothing closed;
// Closed lists every position the fill closed.
func (m *Manager) OnExitFill(fill domain.Fill) CloseResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !(fill.FilledQty > 0) || !(fill.AvgPrice > 0) {
		return CloseResult{Reason: ReasonNotFound}
	}

	var targets []*openPosition
	for _, id := range m.openOrder {
		op := m.open[id]
		if op.pos.Symbol == fill.Symbol && op.pos.Side == fill.Side.Opposite() {
			targets = append(targets, op)
		}
	}
	if len(targets) == 0 {
		return CloseResult{Reason: ReasonNotFound}
	}

	at := fill.Time
	if at.IsZero() {
		at = m.now()
	}

	left := fill.FilledQty
	var closed []domain.Position
	var reduced *openPosition
	for _, target := range targets {
		if len(closed) > 0 && left <= target.pos.Size*qtyTolerance {
			break
		}
		qty := math.Min(left, target.pos.Size-target.exitQty)
		left -= qty
		target.exitQty += qty
		target.exitValue += qty * fill.AvgPrice

		if target.exitQty < target.pos.Size*(1-qtyTolerance) {
			reduced = target
			break
		}
		closed = append(closed, m.finalize(target, target.exitValue/target.exitQty, domain.CloseReasonExitFill, at))
	}

	if len(closed) == 0 {
		snap := reduced.pos
		return CloseResult{Reason: ReasonPartial, Position: &snap}
	}
	first := closed[0]
	return CloseResult{OK: true, Position: &first, Closed: closed}
}

// Remaining returns the quantity of an open position not yet covered by exit fills.
func (m *Manager) Remaining(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.open[id]
	if !ok {
		return 0, false
	}
	return op.pos.Size - op.exitQty, true
}

// ClosePosition closes an open position at exitPrice. Any quantity already closed
// by reduce-only fills keeps its own price.
func (m *Manager) ClosePosition(id string, exitPrice float64, reason domain.CloseReason) CloseResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.open[id]
	if !ok {
		return CloseResult{Reason: ReasonNotFound}
	}
	if !(exitPrice > 0) {
		return CloseResult{Reason: ReasonInvalidPrice}
	}

	remaining := target.pos.Size - target.exitQty
	value := target.exitValue + remaining*exitPrice
	closed := m.finalize(target, value/target.pos.Size, reason, m.now())
	return CloseResult{OK: true, Position: &closed}
}

// finalize moves an open position to history and books its pnl. Caller holds mu.
func (m *Manager) finalize(op *openPosition, exitPrice float64, reason domain.CloseReason, at time.Time) domain.Position {
	p := op.pos
	p.ExitPrice = exitPrice
	p.ExitTime = at
	p.PNL = (exitPrice - p.EntryPrice) * p.Direction() * p.Size
	p.Status = domain.StatusClosed
	p.CloseReason = reason

	delete(m.open, p.ID)
	for i, id := range m.openOrder {
		if id == p.ID {
			m.openOrder = append(m.openOrder[:i], m.openOrder[i+1:]...)
			break
		}
	}

	m.history = append(m.history, p)
	if over := len(m.history) - m.limits.HistorySize; over > 0 {
		m.history = append([]domain.Position(nil), m.history[over:]...)
	}
	applyClose(&m.metrics, p.PNL)
	return p
}

// Restore rehydrates OPEN positions, e.g. from storage after a restart.
// Positions that are not open or already known are skipped. Returns the number restored.
func (m *Manager) Restore(positions []*domain.Position) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make([]*domain.Position, 0, len(positions))
	for _, p := range positions {
		if p != nil && p.IsOpen() && p.Size > 0 {
			sorted = append(sorted, p)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EntryTime.Before(sorted[j].EntryTime) })

	n := 0
	for _, p := range sorted {
		if _, ok := m.open[p.ID]; ok {
			continue
		}
		if _, ok := m.byOrderID[p.OrderID]; ok && p.OrderID != 0 {
			continue
		}
		m.open[p.ID] = &openPosition{pos: *p}
		m.openOrder = append(m.openOrder, p.ID)
		if p.OrderID != 0 {
			m.byOrderID[p.OrderID] = p.ID
		}
		n++
	}
	return n
}

// Get returns a snapshot of an open or archived position.
func (m *Manager) Get(id string) (*domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.lookup(id)
	return p, p != nil
}

// ActivePositions returns snapshots of the open positions, oldest first.
func (m *Manager) ActivePositions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.openOrder))
	for _, id := range m.openOrder {
		out = append(out, m.open[id].pos)
	}
	return out
}

// TradeHistory returns up to limit closed positions, newest first. limit <= 0 means 20.
func (m *Manager) TradeHistory(limit int) []domain.Position {
	if limit <= 0 {
		limit = defaultTradeHistoryLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.history))
	out := make([]domain.Position, 0, n)
	for i := len(m.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Metrics returns a snapshot of the performance metrics.
func (m *Manager) Metrics() domain.PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// RecentOpportunities returns up to limit of the last opportunities seen by Reserve, newest first.
func (m *Manager) RecentOpportunities(limit int) []domain.Opportunity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.opportunities) {
		limit = len(m.opportunities)
	}
	out := make([]domain.Opportunity, 0, limit)
	for i := len(m.opportunities) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.opportunities[i])
	}
	return out
}

// OpenCount is the number of OPEN positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// PendingCount is the number of outstanding reservations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CountBySymbol counts open positions and pending reservations for symbol.
func (m *Manager) CountBySymbol(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countBy(func(o domain.Opportunity) bool { return o.Symbol == symbol },
		func(p domain.Position) bool { return p.Symbol == symbol })
}

// CountByStrategy counts open positions and pending reservations for strategy.
func (m *Manager) CountByStrategy(strategy string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countBy(func(o domain.Opportunity) bool { return o.Strategy == strategy },
		func(p domain.Position) bool { return p.Strategy == strategy })
}

// Limits returns the configured caps.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Reset drops every position, reservation, metric and audit entry.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Manager) reset() {
	m.pending = make(map[string]*Reservation)
	m.open = make(map[string]*openPosition)
	m.openOrder = nil
	m.byOrderID = make(map[int64]string)
	m.history = nil
	m.metrics = domain.PerformanceMetrics{}
	m.opportunities = nil
}

// admit evaluates the caps. Caller holds mu.
func (m *Manager) admit(opp domain.Opportunity) Admission {
	if len(m.open)+len(m.pending) >= m.limits.MaxPositions {
		return Admission{Reason: ReasonMaxPositions}
	}
	bySymbol := m.countBy(func(o domain.Opportunity) bool { return o.Symbol == opp.Symbol },
		func(p domain.Position) bool { return p.Symbol == opp.Symbol })
	if bySymbol >= m.limits.MaxSymbolPositions {
		return Admission{Reason: ReasonMaxSymbolPositions}
	}
	if opp.Strategy != "" {
		byStrategy := m.countBy(func(o domain.Opportunity) bool { return o.Strategy == opp.Strategy },
			func(p domain.Position) bool { return p.Strategy == opp.Strategy })
		if byStrategy >= m.limits.MaxStrategyPositions {
			return Admission{Reason: ReasonMaxStrategyPositions}
		}
	}
	return Admission{Accepted: true}
}

func (m *Manager) countBy(pendingMatch func(domain.Opportunity) bool, openMatch func(domain.Position) bool) int {
	n := 0
	for _, r := range m.pending {
		if pendingMatch(r.Opportunity) {
			n++
		}
	}
	for _, op := range m.open {
		if openMatch(op.pos) {
			n++
		}
	}
	return n
}

func (m *Manager) lookup(id string) *domain.Position {
	if op, ok := m.open[id]; ok {
		p := op.pos
		return &p
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			p := m.history[i]
			return &p
		}
	}
	return nil
}

func (m *Manager) recordOpportunity(opp domain.Opportunity) {
	m.opportunities = append(m.opportunities, opp)
	if over := len(m.opportunities) - opportunityLogSize; over > 0 {
		m.opportunities = append([]domain.Opportunity(nil), m.opportunities[over:]...)
	}
}
