// Package metrics holds the Prometheus collectors for the bot.
//
// All collectors hang off an explicit registry passed in by the engine; there
// are no package-level registrations, so tests can build fresh instances.
// Served at /metrics by the API server.
//
// Counter overview:
//   - mm_ticks_total{result}            — ticks by outcome (ok|deadline_miss|guard_blocked|skipped)
//   - mm_orders_total{op,outcome}       — adapter mutations by operation and result
//   - mm_cache_requests_total{mode,outcome} — MD-cache lookups
//   - mm_circuit_transitions_total{from,to} — circuit state machine moves
//   - mm_recon_runs_total{result}       — reconcile cycles
//   - mm_errors_total{kind}             — classified errors
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the bot updates. Build one per process with
// New and share it by composition.
type Metrics struct {
	Registry *prometheus.Registry

	// Tick pipeline
	Ticks         *prometheus.CounterVec
	TickDuration  prometheus.Histogram
	StageDuration *prometheus.HistogramVec
	DeadlineMiss  prometheus.Counter

	// MD cache
	CacheRequests     *prometheus.CounterVec
	CacheAge          prometheus.Histogram
	CacheInvalidation *prometheus.CounterVec

	// Orders / writer
	Orders         *prometheus.CounterVec
	AmendFallbacks prometheus.Counter
	FilterRejects  *prometheus.CounterVec
	OpenOrders     *prometheus.GaugeVec
	Fills          *prometheus.CounterVec
	Inventory      *prometheus.GaugeVec

	// Guards / circuit
	GuardLevel         prometheus.Gauge
	GuardTransitions   *prometheus.CounterVec
	CircuitState       prometheus.Gauge
	CircuitTransitions *prometheus.CounterVec

	// Reconciler
	ReconRuns       *prometheus.CounterVec
	ReconDivergence prometheus.Gauge
	ReconOrphans    prometheus.Counter

	// Exchange adapter
	ExchangeRequests *prometheus.CounterVec
	ExchangeLatency  *prometheus.HistogramVec
	RateLimitWait    *prometheus.HistogramVec
	StreamReconnects *prometheus.CounterVec
	StreamGaps       prometheus.Counter

	// Store
	StoreSnapshots *prometheus.CounterVec
	IdemCacheHits  *prometheus.CounterVec

	Errors *prometheus.CounterVec
}

// New builds the full collector set on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith builds the full collector set on the given registry.
func NewWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_ticks_total",
			Help: "Ticks by outcome",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_tick_duration_seconds",
			Help:    "Wall-clock duration of complete ticks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_stage_duration_seconds",
			Help:    "Per-stage pipeline latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"stage"}),
		DeadlineMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "mm_deadline_miss_total",
			Help: "Ticks aborted or skipped on budget exhaustion",
		}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_cache_requests_total",
			Help: "MD-cache lookups by mode and outcome",
		}, []string{"mode", "outcome"}),
		CacheAge: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_cache_age_seconds",
			Help:    "Age of served snapshots",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		CacheInvalidation: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_cache_invalidations_total",
			Help: "Cache invalidations by reason (ws_gap|seq_gap|seq_regression)",
		}, []string{"reason"}),

		Orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_total",
			Help: "Order mutations by op (place|amend|cancel|cancel_all) and outcome",
		}, []string{"op", "outcome"}),
		AmendFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "mm_amend_fallbacks_total",
			Help: "Amends downgraded to cancel+place",
		}),
		FilterRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_filter_rejects_total",
			Help: "Placements refused by pre-trade filters",
		}, []string{"reason"}),
		OpenOrders: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_open_orders",
			Help: "Live orders per symbol and side",
		}, []string{"symbol", "side"}),
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_fills_total",
			Help: "Executions by side",
		}, []string{"side"}),
		Inventory: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_inventory_base",
			Help: "Signed base inventory per symbol",
		}, []string{"symbol"}),

		GuardLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "mm_guard_level",
			Help: "Composite guard level (0 ok, 1 soft, 2 hard)",
		}),
		GuardTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_guard_transitions_total",
			Help: "Guard level changes by new level and reason",
		}, []string{"level", "reason"}),
		CircuitState: f.NewGauge(prometheus.GaugeOpts{
			Name: "mm_circuit_state",
			Help: "Circuit state (0 open, 1 tripped, 2 half_open)",
		}),
		CircuitTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_circuit_transitions_total",
			Help: "Circuit transitions by edge",
		}, []string{"from", "to"}),

		ReconRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_recon_runs_total",
			Help: "Reconcile cycles by result (clean|drift|hard_desync|error)",
		}, []string{"result"}),
		ReconDivergence: f.NewGauge(prometheus.GaugeOpts{
			Name: "mm_recon_divergence_ratio",
			Help: "Divergence ratio observed by the last reconcile",
		}),
		ReconOrphans: f.NewCounter(prometheus.CounterOpts{
			Name: "mm_recon_orphans_canceled_total",
			Help: "Exchange-only orders canceled by the reconciler",
		}),

		ExchangeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_exchange_requests_total",
			Help: "Adapter REST calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		ExchangeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_exchange_request_seconds",
			Help:    "Adapter REST latency by endpoint",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"endpoint"}),
		RateLimitWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_ratelimit_wait_seconds",
			Help:    "Time spent waiting on the token bucket by endpoint class",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"class"}),
		StreamReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_stream_reconnects_total",
			Help: "WebSocket reconnects by stream",
		}, []string{"stream"}),
		StreamGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "mm_stream_gaps_total",
			Help: "Detected market-stream gaps",
		}),

		StoreSnapshots: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_store_snapshots_total",
			Help: "Durable snapshots by result",
		}, []string{"result"}),
		IdemCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_idem_cache_hits_total",
			Help: "Mutations answered from an idempotency cache, by layer",
		}, []string{"layer"}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_errors_total",
			Help: "Errors by kind (transient|fatal|validation|desync|deadline|integrity|panic|emit)",
		}, []string{"kind"}),
	}
}
