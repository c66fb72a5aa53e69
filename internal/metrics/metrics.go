package metrics

import "expvar"

var (
	AggregationRuns   = expvar.NewInt("aggregation_runs")
	CacheHits         = expvar.NewInt("cache_hits")
	CacheMisses       = expvar.NewInt("cache_misses")
	DriftEvictions    = expvar.NewInt("drift_evictions")
	VenueFetchErrors  = expvar.NewInt("venue_fetch_errors")
	BatchEnqueued     = expvar.NewInt("batch_enqueued")
	BatchDropped      = expvar.NewInt("batch_dropped")
	ReconnectAttempts = expvar.NewInt("reconnect_attempts")
	MessagesIngested  = expvar.NewInt("messages_ingested")
)
