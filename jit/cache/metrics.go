package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a64jit",
		Subsystem: "cache",
		Name:      "events_total",
		Help:      "Translation cache events by kind.",
	}, []string{"event"})
	compileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "a64jit",
		Subsystem: "cache",
		Name:      "compile_seconds",
		Help:      "Wall time of successful compiles.",
		Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
	})
)

// Collectors returns the cache metrics for registration with a prometheus registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{eventsTotal, compileSeconds}
}

// Stats is a snapshot of one cache's counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Compiles      uint64 `json:"compiles"`
	Failures      uint64 `json:"failures"`
	Invalidations uint64 `json:"invalidations"`
	Rebuilds      uint64 `json:"rebuilds"`
	Flushes       uint64 `json:"flushes"`
	Live          int    `json:"live"`
}

type counter struct {
	n     atomic.Uint64
	label string
}

func (c *counter) add(n uint64) {
	if n == 0 {
		return
	}
	c.n.Add(n)
	eventsTotal.WithLabelValues(c.label).Add(float64(n))
}

func (c *counter) inc()         { c.add(1) }
func (c *counter) load() uint64 { return c.n.Load() }

type counters struct {
	hits, misses, compiles, failures, invalidations, rebuilds, flushes counter
}

func newCounters() *counters {
	return &counters{
		hits:          counter{label: "hit"},
		misses:        counter{label: "miss"},
		compiles:      counter{label: "compile"},
		failures:      counter{label: "failure"},
		invalidations: counter{label: "invalidation"},
		rebuilds:      counter{label: "rebuild"},
		flushes:       counter{label: "flush"},
	}
}
