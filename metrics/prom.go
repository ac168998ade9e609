package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_paste_updated_total",
		Help: "no. of pastes updated",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_paste_deleted_total",
		Help: "no. of pastes soft-deleted by request",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securepaste_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securepaste_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_sweep_cycles_total",
		Help: "no. of expiry sweep cycles",
	})
	SweptPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securepaste_swept_pastes_total",
		Help: "no. of expired pastes soft-deleted by the sweeper",
	})
)

func Init() {
}
