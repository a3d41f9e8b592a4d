package orm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks unit-of-work activity. A nil *Metrics records nothing.
type Metrics struct {
	flushes       prometheus.Counter
	flushErrors   prometheus.Counter
	flushDuration prometheus.Histogram
	commits       prometheus.Counter
	rollbacks     prometheus.Counter
	statements    *prometheus.CounterVec
	identityMap   *prometheus.CounterVec
	sessions      prometheus.Gauge
}

// NewMetrics returns a new Metrics struct, with all collectors created and
// registered on reg. A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uow", Name: "flushes_total",
			Help: "Flushes that reached the backing store.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uow", Name: "flush_errors_total",
			Help: "Flushes aborted by an error.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "uow", Name: "flush_duration_seconds",
			Help:    "Wall time spent applying a flush.",
			Buckets: prometheus.DefBuckets,
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uow", Name: "commits_total",
			Help: "Committed transactions.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uow", Name: "rollbacks_total",
			Help: "Rolled back transactions.",
		}),
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uow", Name: "statements_total",
			Help: "Statements executed, by kind.",
		}, []string{"kind"}),
		identityMap: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uow", Name: "identity_map_lookups_total",
			Help: "Identity map lookups by result (hit or miss).",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uow", Name: "open_sessions",
			Help: "Sessions currently holding a connection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.flushes, m.flushErrors, m.flushDuration, m.commits,
			m.rollbacks, m.statements, m.identityMap, m.sessions)
	}
	return m
}

func (m *Metrics) observeFlush(start time.Time, err error) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.flushErrors.Inc()
	}
}

func (m *Metrics) statement(kind string) {
	if m == nil {
		return
	}
	m.statements.WithLabelValues(kind).Inc()
}

func (m *Metrics) lookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.identityMap.WithLabelValues("hit").Inc()
	} else {
		m.identityMap.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) commit() {
	if m != nil {
		m.commits.Inc()
	}
}

func (m *Metrics) rollback() {
	if m != nil {
		m.rollbacks.Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}
