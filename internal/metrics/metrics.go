package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "cache_hits_total",
		Help:      "Total pending reads resolved directly from the VirtualBuffer.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "cache_misses_total",
		Help:      "Total pending reads that required opening or reusing a connection.",
	})

	ConnectionsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "connections_opened_total",
		Help:      "Total ranged HTTP connections opened by CachedFile.",
	})

	ConnectionReusedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "connection_reused_total",
		Help:      "Total state updates that kept an in-flight connection instead of opening a new one.",
	})

	BlocksEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "blocks_evicted_total",
		Help:      "Total VirtualBuffer blocks evicted under LRU pressure.",
	})

	NetworkErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "network_errors_total",
		Help:      "Total stream errors observed by CachedFile, by class.",
	}, []string{"class"})

	ActiveCachedFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "active_cached_files",
		Help:      "Number of currently open CachedFile instances.",
	})

	FSMTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "playback_fsm_transitions_total",
		Help:      "Total PlaybackCore phase transitions, by from/to phase.",
	}, []string{"from", "to"})

	PlaybackSpeed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "playback_speed",
		Help:      "Current playback speed multiplier of the most recently updated PlaybackCore.",
	})

	MessagesEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "messages_emitted_total",
		Help:      "Total decoded messages delivered to a listener via PlayerState snapshots.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		ConnectionsOpenedTotal,
		ConnectionReusedTotal,
		BlocksEvictedTotal,
		NetworkErrorsTotal,
		ActiveCachedFiles,
		FSMTransitionsTotal,
		PlaybackSpeed,
		MessagesEmittedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
