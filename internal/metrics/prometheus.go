package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the range streamer
type Metrics struct {
	// Run metrics
	RangesRemaining    *prometheus.GaugeVec
	RangesSkippedTotal *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec

	// Stream plan metrics
	PlansTotal   *prometheus.CounterVec
	PlanDuration prometheus.Histogram

	// Transport metrics
	SessionsActive prometheus.Gauge
	BytesTotal     *prometheus.CounterVec
	FragmentsTotal *prometheus.CounterVec
	ThrottleWait   prometheus.Histogram

	// Gossip metrics
	GossipMembersAlive prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RangesRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "streamer",
			Name:        "ranges_remaining",
			Help:        "Ranges not yet streamed in the current run",
			ConstLabels: labels,
		}, []string{"keyspace"}),
		RangesSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamer",
			Name:        "ranges_skipped_total",
			Help:        "Ranges omitted from a fetch plan because no source was available",
			ConstLabels: labels,
		}, []string{"keyspace"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamer",
			Name:        "runs_total",
			Help:        "Completed streaming runs by reason and result",
			ConstLabels: labels,
		}, []string{"reason", "result"}),

		PlansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamer",
			Name:        "plans_total",
			Help:        "Executed stream plans by reason and result",
			ConstLabels: labels,
		}, []string{"reason", "result"}),
		PlanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "streamer",
			Name:        "plan_duration_seconds",
			Help:        "Histogram of stream plan durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43min
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamer",
			Name:        "sessions_active",
			Help:        "Stream sessions currently transferring data",
			ConstLabels: labels,
		}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamer",
			Name:        "bytes_total",
			Help:        "Frozen mutation bytes moved by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		FragmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamer",
			Name:        "fragments_total",
			Help:        "Frozen mutation fragments moved by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		ThrottleWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "streamer",
			Name:        "throttle_wait_seconds",
			Help:        "Time spent waiting on the throughput limiter",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		GossipMembersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamer",
			Name:        "gossip_members_alive",
			Help:        "Cluster members currently considered alive",
			ConstLabels: labels,
		}),
	}
}

// UpdateRangesRemaining sets the remaining range count for a keyspace
func (m *Metrics) UpdateRangesRemaining(keyspace string, n int) {
	if m == nil {
		return
	}
	m.RangesRemaining.WithLabelValues(keyspace).Set(float64(n))
}

// RecordRangeSkipped counts a range dropped from a plan
func (m *Metrics) RecordRangeSkipped(keyspace string) {
	if m == nil {
		return
	}
	m.RangesSkippedTotal.WithLabelValues(keyspace).Inc()
}

// RecordRun records the outcome of a streaming run
func (m *Metrics) RecordRun(reason string, ok bool) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(reason, result(ok)).Inc()
}

// RecordPlan records a stream plan execution
func (m *Metrics) RecordPlan(reason string, ok bool, duration float64) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(reason, result(ok)).Inc()
	m.PlanDuration.Observe(duration)
}

// SessionStarted marks a session as active
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionFinished marks a session as no longer active
func (m *Metrics) SessionFinished() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordFragment records one fragment moved in direction ("in" or "out")
func (m *Metrics) RecordFragment(direction string, bytes int) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordThrottleWait records time spent blocked on the limiter
func (m *Metrics) RecordThrottleWait(seconds float64) {
	if m == nil {
		return
	}
	m.ThrottleWait.Observe(seconds)
}

// UpdateGossipMembers sets the number of live members
func (m *Metrics) UpdateGossipMembers(alive int) {
	if m == nil {
		return
	}
	m.GossipMembersAlive.Set(float64(alive))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
