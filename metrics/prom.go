package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciphernotes_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernotes_paste_read_total",
			Help: "no. of successful paste reads",
		},
		[]string{"owner"},
	)
	PasteUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciphernotes_paste_updated_total",
		Help: "no. of pastes updated by their owner",
	})
	PasteDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernotes_paste_deleted_total",
			Help: "no. of pastes removed, by reason",
		},
		[]string{"reason"},
	)
	PasteRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernotes_paste_rejected_total",
			Help: "no. of operations refused, by reason",
		},
		[]string{"reason"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciphernotes_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciphernotes_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ciphernotes_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernotes_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciphernotes_sweep_cycles_total",
		Help: "no. of expiry sweeper cycles",
	})
	SealingOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernotes_sealing_operations_total",
			Help: "no. of at-rest seal/open operations",
		},
		[]string{"operation"},
	)
	StoredPastes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ciphernotes_stored_pastes",
		Help: "no. of records held by the backend at the last sweep",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ciphernotes_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

// Reason labels for PasteDeleted.
const (
	ReasonOwner      = "owner"
	ReasonAutoDelete = "auto_delete"
	ReasonExpired    = "expired"
)
