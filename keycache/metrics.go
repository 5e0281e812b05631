package keycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type cacheMetrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evictions  prometheus.Counter
	memEntries prometheus.Gauge
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	factory := promauto.With(reg)

	return &cacheMetrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keyforge",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups answered from either tier.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keyforge",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that required derivation.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keyforge",
			Subsystem: "cache",
			Name:      "memory_evictions_total",
			Help:      "Memory-tier entries evicted to respect the capacity bound.",
		}),
		memEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyforge",
			Subsystem: "cache",
			Name:      "memory_entries",
			Help:      "Live entries in the memory tier.",
		}),
	}
}
