// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "futures_risk"

// Recorder implements ports.MetricsRecorder on its own registry so several
// engines (and tests) never collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	opportunities *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	opened        *prometheus.CounterVec
	leverage      *prometheus.HistogramVec
	closed        *prometheus.CounterVec
	pnl           *prometheus.CounterVec
	exitLegs      *prometheus.CounterVec
	openPositions prometheus.Gauge
}

// NewRecorder creates a recorder. withRuntime adds Go runtime and process collectors.
func NewRecorder(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_total",
			Help:      "Opportunities received by the engine",
		}, []string{"symbol"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_rejected_total",
			Help:      "Opportunities rejected, by reason",
		}, []string{"symbol", "reason"}),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened",
		}, []string{"symbol"}),
		leverage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "position_leverage",
			Help:      "Leverage applied to opened positions",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20, 25},
		}, []string{"symbol"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed, by outcome",
		}, []string{"symbol", "outcome"}),
		pnl: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_pnl_abs_total",
			Help:      "Absolute realised pnl, split into profit and loss",
		}, []string{"symbol", "outcome"}),
		exitLegs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_legs_total",
			Help:      "Exit orders dispatched, by result",
		}, []string{"symbol", "result"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open positions",
		}),
	}

	r.registry.MustRegister(r.opportunities, r.rejections, r.opened, r.leverage, r.closed, r.pnl, r.exitLegs, r.openPositions)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) OpportunityReceived(symbol string) {
	r.opportunities.WithLabelValues(symbol).Inc()
}

func (r *Recorder) OpportunityRejected(symbol, reason string) {
	r.rejections.WithLabelValues(symbol, reason).Inc()
}

func (r *Recorder) PositionOpened(symbol string, leverage float64) {
	r.opened.WithLabelValues(symbol).Inc()
	r.leverage.WithLabelValues(symbol).Observe(leverage)
}

func (r *Recorder) PositionClosed(symbol string, pnl float64) {
	outcome := "loss"
	if pnl > 0 {
		outcome = "win"
	}
	r.closed.WithLabelValues(symbol, outcome).Inc()
	if pnl < 0 {
		pnl = -pnl
	}
	r.pnl.WithLabelValues(symbol, outcome).Add(pnl)
}

func (r *Recorder) ExitLegs(symbol string, placed, failed int) {
	r.exitLegs.WithLabelValues(symbol, "placed").Add(float64(placed))
	r.exitLegs.WithLabelValues(symbol, "failed").Add(float64(failed))
}

func (r *Recorder) OpenPositions(n int) {
	r.openPositions.Set(float64(n))
}

// Nop discards everything. Use it where metrics are not wanted.
type Nop struct{}

func (Nop) OpportunityReceived(string)         {}
func (Nop) OpportunityRejected(string, string) {}
func (Nop) PositionOpened(string, float64)     {}
func (Nop) PositionClosed(string, float64)     {}
func (Nop) ExitLegs(string, int, int)          {}
func (Nop) OpenPositions(int)                  {}
