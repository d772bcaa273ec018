package runtime

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a64jit",
		Subsystem: "engine",
		Name:      "dispatch_total",
		Help:      "Dispatches by execution mode.",
	}, []string{"mode"})
	instsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "a64jit",
		Subsystem: "engine",
		Name:      "guest_insts_total",
		Help:      "Guest instructions charged to runs.",
	})
	shortenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "a64jit",
		Subsystem: "engine",
		Name:      "shortened_builds_total",
		Help:      "Translations rebuilt with shorter blocks after running out of spill slots.",
	})
)

// Collectors returns the engine metrics for registration with a prometheus registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{dispatchTotal, instsTotal, shortenedTotal}
}

type engineCounters struct {
	seq                              atomic.Uint64
	native, interpreted, slow, insts atomic.Uint64
	short                            atomic.Uint64
}

func newEngineCounters() *engineCounters { return &engineCounters{} }

func (c *engineCounters) dispatch(mode string, insts uint64) {
	switch mode {
	case "native":
		c.native.Add(1)
	case "interp":
		c.interpreted.Add(1)
	case "slow":
		c.slow.Add(1)
	}
	c.insts.Add(insts)
	dispatchTotal.WithLabelValues(mode).Inc()
	instsTotal.Add(float64(insts))
}

func (c *engineCounters) shortened() {
	c.short.Add(1)
	shortenedTotal.Inc()
}

func (c *engineCounters) snapshot() Stats {
	s := Stats{
		Native:      c.native.Load(),
		Interpreted: c.interpreted.Load(),
		SlowPaths:   c.slow.Load(),
		Shortened:   c.short.Load(),
		Insts:       c.insts.Load(),
	}
	s.Dispatches = s.Native + s.Interpreted
	return s
}
