// Package config holds the closed configuration option set for the runtime.
// Configuration comes from a YAML file or from DefaultConfig; there are no
// environment variables.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mivertowski/accelgo/gpuerr"
)

// Backend preference values for discovery ordering.
const (
	BackendAuto   = "auto"
	BackendCUDA   = "cuda"
	BackendOpenCL = "opencl"
	BackendCPU    = "cpu"
)

// Retention policy names for the memory pool.
const (
	RetentionImmediate = "immediate"
	RetentionFixed     = "fixed"
	RetentionAdaptive  = "adaptive"
)

// Kernel optimization levels.
const (
	OptDefault = "default"
	OptSpeed   = "speed"
	OptSize    = "size"
	OptDebug   = "debug"
)

type PoolConfig struct {
	MaxPoolBytes   int64         `yaml:"maxPoolBytes"`
	MaxBufferBytes int64         `yaml:"maxBufferBytes"`
	Retention      string        `yaml:"retention"`
	TrimInterval   time.Duration `yaml:"trimInterval"`
}

type CacheConfig struct {
	MaxSize           int           `yaml:"maxSize"`
	DefaultTTL        time.Duration `yaml:"defaultTTL"`
	EvictionThreshold float64       `yaml:"evictionThreshold"`
	Persistent        bool          `yaml:"persistent"`
	Directory         string        `yaml:"directory"`
}

type KernelConfig struct {
	Optimization string `yaml:"optimization"`
}

type HybridConfig struct {
	// SmallThreshold is the element count below which the Auto strategy
	// runs operations on the CPU SIMD path regardless of available devices.
	SmallThreshold int64 `yaml:"smallThreshold"`
	// CPUGPURatio is the CPU share of the outermost dimension under the
	// Hybrid strategy.
	CPUGPURatio float64 `yaml:"cpuGpuRatio"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type LoggerConfig struct {
	Verbosity string `yaml:"verbosity"`
}

type Config struct {
	PreferredBackend string        `yaml:"preferredBackend"`
	EnableMemoryPool bool          `yaml:"enableMemoryPool"`
	Pool             PoolConfig    `yaml:"pool"`
	Cache            CacheConfig   `yaml:"cache"`
	Kernel           KernelConfig  `yaml:"kernel"`
	Hybrid           HybridConfig  `yaml:"hybrid"`
	Retry            RetryConfig   `yaml:"retry"`
	Logger           LoggerConfig  `yaml:"logger"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns the runtime defaults used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		PreferredBackend: BackendAuto,
		EnableMemoryPool: true,
		Pool: PoolConfig{
			MaxPoolBytes:   1 << 30,
			MaxBufferBytes: 256 << 20,
			Retention:      RetentionAdaptive,
			TrimInterval:   30 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:           256,
			DefaultTTL:        time.Hour,
			EvictionThreshold: 0.9,
		},
		Kernel: KernelConfig{Optimization: OptDefault},
		Hybrid: HybridConfig{
			SmallThreshold: 4096,
			CPUGPURatio:    0.3,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     50 * time.Millisecond,
		},
		Logger:          LoggerConfig{Verbosity: "info"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig reads a YAML config file. Unset fields fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values outside the closed option set.
func (c *Config) Validate() error {
	switch c.PreferredBackend {
	case BackendAuto, BackendCUDA, BackendOpenCL, BackendCPU:
	default:
		return gpuerr.Newf(gpuerr.KindUnsupported, "unknown preferred backend %q", c.PreferredBackend)
	}
	switch c.Pool.Retention {
	case RetentionImmediate, RetentionFixed, RetentionAdaptive:
	default:
		return gpuerr.Newf(gpuerr.KindUnsupported, "unknown pool retention %q", c.Pool.Retention)
	}
	switch c.Kernel.Optimization {
	case OptDefault, OptSpeed, OptSize, OptDebug:
	default:
		return gpuerr.Newf(gpuerr.KindUnsupported, "unknown kernel optimization %q", c.Kernel.Optimization)
	}
	if c.Cache.EvictionThreshold <= 0 || c.Cache.EvictionThreshold > 1 {
		return gpuerr.Newf(gpuerr.KindUnsupported, "cache eviction threshold %v outside (0,1]", c.Cache.EvictionThreshold)
	}
	if c.Cache.MaxSize <= 0 {
		return gpuerr.Newf(gpuerr.KindUnsupported, "cache max size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Cache.Persistent && c.Cache.Directory == "" {
		return gpuerr.New(gpuerr.KindUnsupported, "persistent cache requires cache.directory")
	}
	if c.Hybrid.CPUGPURatio < 0 || c.Hybrid.CPUGPURatio > 1 {
		return gpuerr.Newf(gpuerr.KindUnsupported, "hybrid cpu/gpu ratio %v outside [0,1]", c.Hybrid.CPUGPURatio)
	}
	if c.Pool.MaxPoolBytes < 0 || c.Pool.MaxBufferBytes < 0 {
		return gpuerr.New(gpuerr.KindUnsupported, "pool byte limits must be non-negative")
	}
	return nil
}
