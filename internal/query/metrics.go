package query

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks cache behaviour per entity kind.
type Metrics struct {
	hits       *prometheus.CounterVec
	misses     *prometheus.CounterVec
	loads      *prometheus.CounterVec
	loadErrors *prometheus.CounterVec
	shared     *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	discarded  *prometheus.CounterVec
}

// NewMetrics registers the cache collectors. A nil registerer keeps them
// unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "query_cache",
			Name:      name,
			Help:      help,
		}, []string{"kind"})
	}
	m := &Metrics{
		hits:       counter("hits_total", "Fetches served from a fresh entry."),
		misses:     counter("misses_total", "Fetches that required a load or joined one."),
		loads:      counter("loads_total", "Loader invocations."),
		loadErrors: counter("load_errors_total", "Loader invocations that failed."),
		shared:     counter("shared_total", "Fetches that joined an in-flight load."),
		evictions:  counter("evictions_total", "Entries evicted by the LRU bound."),
		discarded:  counter("discarded_results_total", "Subscription results dropped because newer parameters were issued."),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.loads, m.loadErrors, m.shared, m.evictions, m.discarded)
	}
	return m
}

func (m *Metrics) add(vec *prometheus.CounterVec, kind Kind) {
	vec.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordHit(kind Kind) {
	if m != nil {
		m.add(m.hits, kind)
	}
}

func (m *Metrics) recordMiss(kind Kind) {
	if m != nil {
		m.add(m.misses, kind)
	}
}

func (m *Metrics) recordLoad(kind Kind, err error) {
	if m == nil {
		return
	}
	m.add(m.loads, kind)
	if err != nil {
		m.add(m.loadErrors, kind)
	}
}

func (m *Metrics) recordShared(kind Kind) {
	if m != nil {
		m.add(m.shared, kind)
	}
}

func (m *Metrics) recordEviction(kind Kind) {
	if m != nil {
		m.add(m.evictions, kind)
	}
}

func (m *Metrics) recordDiscard(kind Kind) {
	if m != nil {
		m.add(m.discarded, kind)
	}
}
