package lifecycle

import (
	"math"
	"sort"
	"time"

	"futuresRiskBot/internal/domain"
)

// applyClose folds one closed position's pnl into m. Derived fields are recomputed
// from the counters every time, never accumulated on their own.
func applyClose(m *domain.PerformanceMetrics, pnl float64) {
	m.TotalTrades++
	if pnl > 0 {
		m.WinningTrades++
		m.TotalProfit += pnl
		m.CurrentDrawdown = math.Max(0, m.CurrentDrawdown-pnl)
	} else {
		m.LosingTrades++
		m.TotalLoss += math.Abs(pnl)
		m.CurrentDrawdown += math.Abs(pnl)
		m.MaxDrawdown = math.Max(m.MaxDrawdown, m.CurrentDrawdown)
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	m.ProfitFactor = m.TotalProfit / math.Max(1, m.TotalLoss)
	m.AverageWin = 0
	if m.WinningTrades > 0 {
		m.AverageWin = m.TotalProfit / float64(m.WinningTrades)
	}
	m.AverageLoss = 0
	if m.LosingTrades > 0 {
		m.AverageLoss = m.TotalLoss / float64(m.LosingTrades)
	}
}

// HistoryReport extends the running metrics with figures only computable from the full trade list.
type HistoryReport struct {
	domain.PerformanceMetrics
	NetProfit            float64
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageTradeDuration time.Duration
	Expectancy           float64
	MonthlyReturns       []MonthlyReturn
	EquityCurve          []EquityPoint
}

// MonthlyReturn is the net pnl realised in one calendar month.
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// EquityPoint is cumulative pnl after a trade closed.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64 // absolute distance below the running peak
}

// AnalyzeHistory replays trades in exit order through the same update the manager
// applies on every close, and adds streak, duration and monthly statistics.
func AnalyzeHistory(trades []*domain.Trade) HistoryReport {
	var r HistoryReport
	if len(trades) == 0 {
		return r
	}

	sorted := make([]*domain.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExitTime.Before(sorted[j].ExitTime)
	})

	monthly := make(map[time.Time]float64)
	var equity, peak float64
	var wins, losses int
	var totalDuration time.Duration

	for _, t := range sorted {
		applyClose(&r.PerformanceMetrics, t.PNL)

		if t.PNL > 0 {
			wins++
			losses = 0
		} else {
			losses++
			wins = 0
		}
		r.MaxConsecutiveWins = max(r.MaxConsecutiveWins, wins)
		r.MaxConsecutiveLosses = max(r.MaxConsecutiveLosses, losses)

		equity += t.PNL
		peak = math.Max(peak, equity)
		r.EquityCurve = append(r.EquityCurve, EquityPoint{Time: t.ExitTime, Value: equity, Drawdown: peak - equity})

		month := time.Date(t.ExitTime.Year(), t.ExitTime.Month(), 1, 0, 0, 0, 0, time.UTC)
		monthly[month] += t.PNL

		if !t.EntryTime.IsZero() && t.ExitTime.After(t.EntryTime) {
			totalDuration += t.ExitTime.Sub(t.EntryTime)
		}
	}

	r.NetProfit = r.TotalProfit - r.TotalLoss
	r.AverageTradeDuration = totalDuration / time.Duration(len(sorted))
	r.Expectancy = r.WinRate*r.AverageWin - (1-r.WinRate)*r.AverageLoss

	for month, ret := range monthly {
		r.MonthlyReturns = append(r.MonthlyReturns, MonthlyReturn{Month: month, Return: ret})
	}
	sort.Slice(r.MonthlyReturns, func(i, j int) bool {
		return r.MonthlyReturns[i].Month.Before(r.MonthlyReturns[j].Month)
	})
	return r
}
