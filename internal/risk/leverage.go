package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// highVolatility is the daily volatility above which MaxLeverageUnderHighVol applies.
const highVolatility = 0.08

// MatrixConfig holds the bounds applied by the leverage matrix.
type MatrixConfig struct {
	MinLeverage              float64
	MaxLeverage              float64
	MaxLeverageUnderHighVol  float64
	MinLiquidity             float64
	MaxMomentumImpact        float64
	EnableFractionalLeverage bool
}

// DefaultMatrixConfig returns the stock leverage bounds.
func DefaultMatrixConfig() MatrixConfig {
	return MatrixConfig{
		MinLeverage:              1,
		MaxLeverage:              25,
		MaxLeverageUnderHighVol:  10,
		MinLiquidity:             0.2,
		MaxMomentumImpact:        0.25,
		EnableFractionalLeverage: false,
	}
}

// Validate checks the bounds are self-consistent.
func (c MatrixConfig) Validate() error {
	var errs []error
	if c.MinLeverage < 1 {
		errs = append(errs, fmt.Errorf("min leverage must be >= 1, got %v", c.MinLeverage))
	}
	if c.MaxLeverage < c.MinLeverage {
		errs = append(errs, fmt.Errorf("max leverage %v is below min leverage %v", c.MaxLeverage, c.MinLeverage))
	}
	if c.MaxLeverageUnderHighVol < c.MinLeverage {
		errs = append(errs, fmt.Errorf("high-volatility leverage cap %v is below min leverage %v", c.MaxLeverageUnderHighVol, c.MinLeverage))
	}
	if c.MinLiquidity < 0 || c.MinLiquidity > 1 {
		errs = append(errs, fmt.Errorf("min liquidity must be within [0,1], got %v", c.MinLiquidity))
	}
	if c.MaxMomentumImpact < 0 || c.MaxMomentumImpact >= 1 {
		errs = append(errs, fmt.Errorf("max momentum impact must be within [0,1), got %v", c.MaxMomentumImpact))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ports.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// LeverageParams are the inputs of a leverage lookup. Values outside their
// domain are clamped, never rejected.
type LeverageParams struct {
	Symbol      string
	Volatility  float64 // daily, clamped to [0, 0.20]
	Edge        float64 // clamped to [0, 1]
	Liquidity   float64 // clamped to [MinLiquidity, 1]
	Momentum    float64 // clamped to [-1, 1]
	MarketCap   domain.MarketCap
	TimeHorizon domain.TimeHorizon
	Strategy    string
}

// LeverageParamsFor builds lookup parameters from an opportunity, applying defaults for unset fields.
func LeverageParamsFor(opp domain.Opportunity) LeverageParams {
	return LeverageParams{
		Symbol:      opp.Symbol,
		Volatility:  opp.VolatilityOr(domain.DefaultVolatility),
		Edge:        opp.EdgeOr(domain.DefaultEdge),
		Liquidity:   opp.LiquidityOr(domain.DefaultLiquidity),
		Momentum:    opp.MomentumOr(domain.DefaultMomentum),
		MarketCap:   opp.MarketCap,
		TimeHorizon: opp.TimeHorizon,
		Strategy:    opp.Strategy,
	}
}

type cacheKey struct {
	symbol      string
	vol, edge   float64
	liq, mom    float64
	marketCap   domain.MarketCap
	timeHorizon domain.TimeHorizon
	strategy    string
	profile     string
}

// LeverageMatrix converts volatility and edge plus contextual modifiers into a bounded leverage.
type LeverageMatrix struct {
	profiles *ProfileStore

	mu    sync.RWMutex
	grid  domain.LeverageGrid
	cfg   MatrixConfig
	cache map[cacheKey]float64
	gen   uint64 // bumped by every invalidation

	computed func() // test hook, runs between computing and caching a result
}

// NewLeverageMatrix creates a matrix with the default grid. It subscribes to profile
// changes so the cache is dropped whenever the active profile changes.
func NewLeverageMatrix(cfg MatrixConfig, profiles *ProfileStore) (*LeverageMatrix, error) {
	if profiles == nil {
		return nil, fmt.Errorf("%w: profile store is required", ports.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &LeverageMatrix{
		profiles: profiles,
		grid:     domain.DefaultLeverageGrid(),
		cfg:      cfg,
		cache:    make(map[cacheKey]float64),
	}
	profiles.Subscribe(func(domain.RiskProfile) { m.ClearCache() })
	return m, nil
}

// CalculateOptimalLeverage returns the leverage for the given market conditions,
// always within [MinLeverage, MaxLeverage].
func (m *LeverageMatrix) CalculateOptimalLeverage(p LeverageParams) float64 {
	// The generation is read before the profile so that a profile change racing
	// this call invalidates the result instead of leaving it cached.
	m.mu.RLock()
	gen, cfg := m.gen, m.cfg
	m.mu.RUnlock()
	profile := m.profiles.Active()

	vol := round4(clamp(finite(p.Volatility), 0, 0.20))
	edge := round4(clamp(finite(p.Edge), 0, 1))
	liq := round4(clamp(finite(p.Liquidity), cfg.MinLiquidity, 1))
	mom := round4(clamp(finite(p.Momentum), -1, 1))

	key := cacheKey{
		symbol:      p.Symbol,
		vol:         vol,
		edge:        edge,
		liq:         liq,
		mom:         mom,
		marketCap:   p.MarketCap,
		timeHorizon: p.TimeHorizon,
		strategy:    p.Strategy,
		profile:     profile.Name,
	}

	m.mu.RLock()
	if v, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return v
	}
	grid := m.grid
	m.mu.RUnlock()

	lev := interpolate(&grid, vol, edge)
	lev *= profile.Multiplier
	lev *= 0.5 + 0.5*liq
	lev *= 1 + cfg.MaxMomentumImpact*mom
	lev *= marketCapFactor(p.MarketCap)
	lev *= timeHorizonFactor(p.TimeHorizon)
	lev *= strategyFactor(p.Strategy)
	lev *= profile.SafetyFactor
	lev *= fineTuning(vol, edge)

	if vol > highVolatility {
		lev = math.Min(lev, cfg.MaxLeverageUnderHighVol)
	}
	lev = clamp(lev, cfg.MinLeverage, cfg.MaxLeverage)
	if cfg.EnableFractionalLeverage {
		lev = math.Round(lev*10) / 10
	} else {
		lev = math.Floor(lev)
	}

	if m.computed != nil {
		m.computed()
	}

	m.mu.Lock()
	if m.gen == gen {
		m.cache[key] = lev
	}
	m.mu.Unlock()
	return lev
}

// UpdateLeverageMatrix replaces the whole grid. The grid must keep rows
// non-decreasing in edge and columns non-increasing in volatility.
func (m *LeverageMatrix) UpdateLeverageMatrix(grid domain.LeverageGrid) error {
	if err := ValidateGrid(grid); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grid = grid
	m.invalidateLocked()
	return nil
}

// UpdateLeverageMatrixRows accepts a grid of arbitrary shape, as decoded from JSON or config,
// and rejects anything other than 10x10.
func (m *LeverageMatrix) UpdateLeverageMatrixRows(rows [][]float64) error {
	if len(rows) != domain.GridSize {
		return fmt.Errorf("%w: leverage grid needs %d rows, got %d", ports.ErrConfiguration, domain.GridSize, len(rows))
	}
	var grid domain.LeverageGrid
	for i, row := range rows {
		if len(row) != domain.GridSize {
			return fmt.Errorf("%w: leverage grid row %d needs %d columns, got %d", ports.ErrConfiguration, i, domain.GridSize, len(row))
		}
		copy(grid[i][:], row)
	}
	return m.UpdateLeverageMatrix(grid)
}

// ValidateGrid checks the monotonicity and positivity of a leverage grid.
func ValidateGrid(grid domain.LeverageGrid) error {
	for i := 0; i < domain.GridSize; i++ {
		for j := 0; j < domain.GridSize; j++ {
			v := grid[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				return fmt.Errorf("%w: leverage grid cell [%d][%d] must be positive, got %v", ports.ErrConfiguration, i, j, v)
			}
			if j > 0 && v < grid[i][j-1] {
				return fmt.Errorf("%w: leverage grid row %d decreases at column %d", ports.ErrConfiguration, i, j)
			}
			if i > 0 && v > grid[i-1][j] {
				return fmt.Errorf("%w: leverage grid column %d increases at row %d", ports.ErrConfiguration, j, i)
			}
		}
	}
	return nil
}

// Grid returns a copy of the current grid.
func (m *LeverageMatrix) Grid() domain.LeverageGrid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grid
}

// UpdateConfig replaces the leverage bounds. Invalid bounds leave the matrix unchanged.
func (m *LeverageMatrix) UpdateConfig(cfg MatrixConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.invalidateLocked()
	return nil
}

// Config returns the current leverage bounds.
func (m *LeverageMatrix) Config() MatrixConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ClearCache drops every memoized result, including any still being computed.
func (m *LeverageMatrix) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked()
}

func (m *LeverageMatrix) invalidateLocked() {
	m.cache = make(map[cacheKey]float64)
	m.gen++
}

// CacheSize reports the number of memoized results.
func (m *LeverageMatrix) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// interpolate does a bilinear lookup; vol and edge are already clamped.
func interpolate(grid *domain.LeverageGrid, vol, edge float64) float64 {
	volIdx := clamp(vol*100, 0, 9.9999)
	edgeIdx := clamp(edge*10, 0, 9.9999)

	v0 := int(math.Floor(volIdx))
	e0 := int(math.Floor(edgeIdx))
	v1 := min(domain.GridSize-1, v0+1)
	e1 := min(domain.GridSize-1, e0+1)
	tv := volIdx - float64(v0)
	te := edgeIdx - float64(e0)

	l0 := grid[v0][e0]*(1-te) + grid[v0][e1]*te
	l1 := grid[v1][e0]*(1-te) + grid[v1][e1]*te
	return l0*(1-tv) + l1*tv
}

// fineTuning is a deterministic ±10% adjustment. It rises with edge and falls with
// volatility so it never inverts the ordering of the grid.
func fineTuning(vol, edge float64) float64 {
	f := 1 - 0.05*math.Cos(math.Pi*edge) + 0.05*math.Cos(math.Pi*vol/0.20)
	return clamp(f, 0.9, 1.1)
}

func marketCapFactor(mc domain.MarketCap) float64 {
	switch mc {
	case domain.MarketCapMedium:
		return 0.85
	case domain.MarketCapSmall:
		return 0.7
	default:
		return 1.0
	}
}

func timeHorizonFactor(h domain.TimeHorizon) float64 {
	switch h {
	case domain.HorizonLong:
		return 0.8
	case domain.HorizonShort:
		return 1.2
	default:
		return 1.0
	}
}

func strategyFactor(s string) float64 {
	switch s {
	case domain.StrategyTrend:
		return 1.1
	case domain.StrategyMeanReversion:
		return 0.9
	default:
		return 1.0
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}

// finite maps NaN to 0 so clamping stays well-defined. Infinities clamp normally.
func finite(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return x
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
