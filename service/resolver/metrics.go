package resolver

import (
	"github.com/VictoriaMetrics/metrics"
)

var (
	cacheHits      = metrics.NewCounter("resolver_cache_hits_total")
	cacheMisses    = metrics.NewCounter("resolver_cache_misses_total")
	cacheInserts   = metrics.NewCounter("resolver_cache_inserts_total")
	cacheEvictions = metrics.NewCounter("resolver_cache_evictions_total")

	probesSent      = metrics.NewCounter("resolver_probes_sent_total")
	probesDropped   = metrics.NewCounter("resolver_probes_dropped_total")
	probesSucceeded = metrics.NewCounter("resolver_probes_succeeded_total")
	probesFailed    = metrics.NewCounter("resolver_probes_failed_total")
)
