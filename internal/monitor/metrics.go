package monitor

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/events"
	"execution-core/internal/reconciliation"
)

const namespace = "execution"

// Metrics holds the process's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	orders            *prometheus.CounterVec
	fills             *prometheus.CounterVec
	protected         prometheus.Counter
	naked             prometheus.Counter
	ocoCancels        prometheus.Counter
	positionChanges   *prometheus.CounterVec
	rateLimitBlocks   *prometheus.CounterVec
	rateLimitDelay    prometheus.Histogram
	cycles            prometheus.Counter
	cycleDuration     prometheus.Histogram
	cycleErrors       prometheus.Counter
	targetsPlaced     prometheus.Counter
	catchupLogged     prometheus.Counter
	escalations       prometheus.Counter
	pendingEntries    prometheus.Gauge
	pendingProtective prometheus.Gauge
	lastCycle         prometheus.Gauge
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total", Help: "Orders accepted by the venue.",
		}, []string{"kind"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_total", Help: "Confirmed fills by kind.",
		}, []string{"kind"}),
		protected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "brackets_protected_total", Help: "Entries whose target went live.",
		}),
		naked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "naked_position_alerts_total", Help: "Filled entries reported without full protection.",
		}),
		ocoCancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "oco_cancels_total", Help: "Protective legs cancelled by the OCO monitor.",
		}),
		positionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "position_changes_total", Help: "Mental position additions and removals.",
		}, []string{"action"}),
		rateLimitBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_blocks_total", Help: "Order admissions refused after the wait budget.",
		}, []string{"reason"}),
		rateLimitDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ratelimit_delay_seconds", Help: "Time spent waiting for order admission.",
			Buckets: []float64{0.01, 0.05, 0.25, 0.5, 1, 2, 5},
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_cycles_total", Help: "Completed reconciliation cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reconcile_duration_seconds", Help: "Reconciliation cycle duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_errors_total", Help: "Per-item reconciliation failures.",
		}),
		targetsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_targets_placed_total", Help: "Targets placed by reconciliation.",
		}),
		catchupLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_catchup_logged_total", Help: "Fills backfilled by the historical sweep.",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stop_lookup_escalations_total", Help: "Entries whose stop id stayed invisible.",
		}),
		pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_entries", Help: "Entries awaiting their target at the last cycle.",
		}),
		pendingProtective: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_protective_orders", Help: "Open target and stop rows at the last cycle.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reconcile_last_cycle_timestamp_seconds", Help: "Start time of the last cycle.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.orders, m.fills, m.protected, m.naked, m.ocoCancels, m.positionChanges,
		m.rateLimitBlocks, m.rateLimitDelay,
		m.cycles, m.cycleDuration, m.cycleErrors, m.targetsPlaced, m.catchupLogged, m.escalations,
		m.pendingEntries, m.pendingProtective, m.lastCycle,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge sampled from fn on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// RateLimitBlocked implements ratelimit.Observer.
func (m *Metrics) RateLimitBlocked(reason string) {
	m.rateLimitBlocks.WithLabelValues(blockReason(reason)).Inc()
}

// RateLimitDelayed implements ratelimit.Observer.
func (m *Metrics) RateLimitDelayed(wait time.Duration) {
	m.rateLimitDelay.Observe(wait.Seconds())
}

// blockReason keeps label cardinality bounded; limiter reasons embed counts.
func blockReason(reason string) string {
	if strings.HasPrefix(reason, "window full") {
		return "window"
	}
	return "min_delay"
}

// ObserveCycle implements reconciliation.Observer.
func (m *Metrics) ObserveCycle(s *reconciliation.CycleSummary) {
	m.cycles.Inc()
	m.cycleDuration.Observe(s.Duration.Seconds())
	m.cycleErrors.Add(float64(len(s.Errors)))
	m.targetsPlaced.Add(float64(s.TargetsPlaced))
	m.catchupLogged.Add(float64(s.CatchupLogged))
	m.escalations.Add(float64(s.Escalations))
	m.pendingEntries.Set(float64(s.PendingEntries))
	m.pendingProtective.Set(float64(s.ProtectivePending))
	m.lastCycle.Set(float64(s.StartedAt.Unix()))
}

// ObserveEvent counts bus traffic.
func (m *Metrics) ObserveEvent(msg events.Message) {
	switch p := msg.Payload.(type) {
	case events.OrderPlaced:
		m.orders.WithLabelValues(p.Kind).Inc()
	case events.OrderFilled:
		m.fills.WithLabelValues(p.Kind).Inc()
	case events.BracketProtected:
		m.protected.Inc()
	case events.NakedPosition:
		m.naked.Inc()
	case events.OCOCancelled:
		m.ocoCancels.Inc()
	case events.PositionChange:
		m.positionChanges.WithLabelValues(p.Action).Inc()
	}
}
