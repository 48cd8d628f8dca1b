package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Memory pool metrics
	PoolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_pool_hits_total",
		Help: "Buffer rents satisfied from the pool",
	}, []string{"device"})

	PoolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_pool_misses_total",
		Help: "Buffer rents that required a new allocation",
	}, []string{"device"})

	PoolRetainedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accel_pool_retained_bytes",
		Help: "Bytes currently held by the pool awaiting reuse",
	}, []string{"device"})

	PoolTrims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_pool_trims_total",
		Help: "Pool maintenance passes that released buffers",
	}, []string{"device"})

	// Kernel cache metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accel_kernel_cache_hits_total",
		Help: "Kernel cache lookups that returned a cached artifact",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accel_kernel_cache_misses_total",
		Help: "Kernel cache lookups that required a compile",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accel_kernel_cache_evictions_total",
		Help: "Entries removed by TTL expiry or LRU pressure",
	})

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accel_kernel_cache_entries",
		Help: "Kernels currently cached",
	})

	// Launch metrics
	KernelLaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accel_kernel_launch_duration_ms",
		Help:    "Wall time of kernel launches in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10µs to ~5s
	}, []string{"kernel"})

	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_kernel_launches_total",
		Help: "Kernel launches by kernel and status",
	}, []string{"kernel", "status"})

	// Device metrics
	DeviceMemoryUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accel_device_memory_used_bytes",
		Help: "Device memory currently allocated through the runtime",
	}, []string{"device"})

	// Hybrid dispatcher metrics
	HybridDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_hybrid_dispatches_total",
		Help: "Operations routed by the hybrid dispatcher, by op and path",
	}, []string{"op", "path"})
)
