package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Byte caches

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_cache_hits_total",
		Help: "Total number of tile byte cache hits",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_cache_misses_total",
		Help: "Total number of tile byte cache misses across all tiers",
	})

	CacheStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_cache_stores_total",
		Help: "Total number of tile byte cache store operations",
	}, []string{"tier", "result"})

	MemoryCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileview_memory_cache_bytes",
		Help: "Bytes held by the in-memory tile cache",
	})

	// Journal store

	DiskStoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileview_disk_store_bytes",
		Help: "Committed bytes held by the persistent journal store",
	})

	DiskStoreEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_disk_store_evictions_total",
		Help: "Total number of entries evicted from the persistent journal store",
	})

	JournalCompactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_journal_compactions_total",
		Help: "Total number of journal rewrites",
	})

	JournalResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_journal_resets_total",
		Help: "Total number of stores wiped because the journal was unreadable",
	})

	// Fetching

	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_fetches_total",
		Help: "Total number of tile source fetch attempts",
	}, []string{"source", "result"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tileview_fetch_duration_seconds",
		Help:    "Duration of tile source fetches in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"source"})

	FetchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileview_fetch_queue_depth",
		Help: "Number of tile requests waiting for a fetch worker",
	})

	FetchDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_fetch_deduplicated_total",
		Help: "Total number of tile requests dropped because one was already outstanding",
	})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_decode_failures_total",
		Help: "Total number of tiles that could not be decoded",
	})

	// GPU textures

	TextureBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileview_texture_bytes",
		Help: "Estimated GPU memory held by tile textures",
	})

	TextureEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_texture_events_total",
		Help: "Tile texture cache events",
	}, []string{"event"})

	// Rendering

	FrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileview_frame_duration_seconds",
		Help:    "Duration of rendered frames in seconds",
		Buckets: []float64{.001, .0025, .005, .01, .016, .025, .05, .1, .2, .5},
	})

	IncompleteFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileview_incomplete_frames_total",
		Help: "Total number of frames that left part of the viewport undrawn",
	})
)
