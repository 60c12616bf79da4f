// Package metrics registers the engine's Prometheus collectors: entry gate
// outcomes, slippage, position transitions, kill-switch trips, and
// heartbeat health. Grounded on the teacher's ServerConfig.EnableMetrics/
// MetricsPort fields (pkg/types/config.go) and its use of
// github.com/prometheus/client_golang in the composition root.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the engine reports, constructed once at
// startup and threaded through to the Entry Engine/Position Manager/Risk
// Governor as plain field writes — no package-level globals.
type Registry struct {
	EntryDecisions   *prometheus.CounterVec
	SlippagePct      prometheus.Histogram
	PositionActions  *prometheus.CounterVec
	KillSwitchTrips  *prometheus.CounterVec
	HeartbeatStale   *prometheus.GaugeVec
	OpenPositions    prometheus.Gauge
	Equity           prometheus.Gauge

	EntryPoolJobDuration prometheus.Histogram
	EntryPoolQueueDepth  prometheus.Gauge
	EntryPoolPanics      prometheus.Counter
}

// NewRegistry constructs and registers every collector against a fresh
// prometheus.Registry, avoiding the global DefaultRegisterer so multiple
// engines (e.g. in tests) don't collide on metric names.
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		EntryDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalper_entry_decisions_total",
			Help: "Entry gate outcomes by symbol and rejection reason (empty reason on entry).",
		}, []string{"symbol", "reason"}),
		SlippagePct: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scalper_slippage_pct",
			Help:    "Estimated slippage percentage at order submission time.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		PositionActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalper_position_actions_total",
			Help: "Position Manager transitions by symbol and action.",
		}, []string{"symbol", "action"}),
		KillSwitchTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalper_kill_switch_trips_total",
			Help: "Kill switch activations by reason.",
		}, []string{"reason"}),
		HeartbeatStale: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scalper_heartbeat_stale",
			Help: "1 if the named component is currently stale, else 0.",
		}, []string{"component"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scalper_open_positions",
			Help: "Current number of open positions.",
		}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scalper_equity_usdt",
			Help: "Current account equity in USDT.",
		}),
		EntryPoolJobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scalper_entry_pool_job_duration_seconds",
			Help:    "Wall time to evaluate one symbol's entry candidate on the entry pool.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		EntryPoolQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scalper_entry_pool_queue_depth",
			Help: "Number of entry-candidate jobs currently queued on the entry pool.",
		}),
		EntryPoolPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "scalper_entry_pool_panics_total",
			Help: "Entry-candidate evaluations recovered from a panic.",
		}),
	}
	return r, reg
}

// Handler returns an http.Handler serving reg in the Prometheus exposition
// format, to be mounted at Config.MetricsPort.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
