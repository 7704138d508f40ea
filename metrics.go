package offlineshell

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Response sources reported by the fetch counter.
const (
	sourceCache    = "cache"
	sourceNetwork  = "network"
	sourceFallback = "fallback"
	sourceError    = "error"
)

// Metrics holds the Prometheus collectors of the offline cache.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches          *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	lifecycle        *prometheus.CounterVec
	purgedPartitions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// With a nil registerer the collectors work but are not exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_shell",
			Name:      "fetch_total",
			Help:      "Intercepted requests by strategy and response source.",
		}, []string{"strategy", "source"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_shell",
			Name:      "store_errors_total",
			Help:      "Failed writes to cache partitions.",
		}, []string{"partition"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_shell",
			Name:      "lifecycle_transitions_total",
			Help:      "Worker state transitions.",
		}, []string{"state"}),
		purgedPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_shell",
			Name:      "purged_partitions_total",
			Help:      "Stale partitions deleted on activation.",
		}),
	}
	if reg != nil {
		m.fetches = registerOrReuse(reg, m.fetches).(*prometheus.CounterVec)
		m.storeErrors = registerOrReuse(reg, m.storeErrors).(*prometheus.CounterVec)
		m.lifecycle = registerOrReuse(reg, m.lifecycle).(*prometheus.CounterVec)
		m.purgedPartitions = registerOrReuse(reg, m.purgedPartitions).(prometheus.Counter)
	}
	return m
}

// registerOrReuse registers a collector with the given registerer.
// If the collector is already registered, it returns the existing one
// so that several hosts in one process share the counters.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) fetch(strategy Strategy, source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(strategy), source).Inc()
}

func (m *Metrics) storeError(partition string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(partition).Inc()
}

func (m *Metrics) transition(state State) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) purged() {
	if m == nil {
		return
	}
	m.purgedPartitions.Inc()
}
