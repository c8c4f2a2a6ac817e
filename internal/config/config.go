// Package config loads the service's Config from a YAML file overlaid onto
// Default(). Sub-configs are plain value structs, with CacheConfig.TTLFor as
// the per-kind accessor. The only environment variable read here is
// VISIONSVC_NUM_CPU, which feeds the default batch concurrency.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration object for visionsvc ("Configuration
// options").
type Config struct {
	HTTPPort int `yaml:"httpPort"`

	Upload    UploadConfig    `yaml:"upload"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Cache     CacheConfig     `yaml:"cache"`
	Vision    VisionConfig    `yaml:"vision"`
	Retry     RetryConfig     `yaml:"retry"`
	Batch     BatchConfig     `yaml:"batch"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`

	BlobStore     BlobStoreConfig     `yaml:"blobStore"`
	MetadataStore MetadataStoreConfig `yaml:"metadataStore"`
	RedisCache    RedisCacheConfig    `yaml:"redisCache"`
}

type UploadConfig struct {
	MaxBytes          int64    `yaml:"maxBytes"`
	AllowedMimeTypes  []string `yaml:"allowedMimeTypes"`
}

type SimilarityConfig struct {
	HammingThreshold int `yaml:"hammingThreshold"`
}

type CacheConfig struct {
	MaxBytes            int64                    `yaml:"maxBytes"`
	SingleFlightTimeout time.Duration            `yaml:"singleFlightTimeout"`
	TTLs                map[string]time.Duration `yaml:"ttls"`
	EvictionWeights     EvictionWeights          `yaml:"evictionWeights"`
}

type EvictionWeights struct {
	TTL      float64 `yaml:"ttl"`
	Kind     float64 `yaml:"kind"`
	Recency  float64 `yaml:"recency"`
}

type VisionConfig struct {
	Endpoint               string        `yaml:"endpoint"`
	APIKey                 string        `yaml:"apiKey"`
	Timeout                time.Duration `yaml:"timeout"`
	CircuitBreakerThreshold int          `yaml:"circuitBreakerThreshold"`
	CircuitBreakerRecovery time.Duration `yaml:"circuitBreakerRecovery"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	Factor      float64       `yaml:"factor"`
	JitterPct   float64       `yaml:"jitterPct"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

type BatchConfig struct {
	DefaultConcurrency int `yaml:"defaultConcurrency"`
}

type AnalyzerConfig struct {
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
}

type BlobStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
}

type MetadataStoreConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisCacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LRUSize  int    `yaml:"lruSize"`
}

// Default returns the baseline configuration, with every
// default value named there.
func Default() *Config {
	return &Config{
		HTTPPort: 8080,
		Upload: UploadConfig{
			MaxBytes:         10485760,
			AllowedMimeTypes: []string{"image/jpeg", "image/png", "image/gif", "image/bmp", "image/webp"},
		},
		Similarity: SimilarityConfig{HammingThreshold: 5},
		Cache: CacheConfig{
			MaxBytes:            512 * 1024 * 1024,
			SingleFlightTimeout: 60 * time.Second,
			TTLs: map[string]time.Duration{
				"detect":   24 * time.Hour,
				"faces":    24 * time.Hour,
				"nature":   48 * time.Hour,
				"annotate": 72 * time.Hour,
				"segment":  7 * 24 * time.Hour,
				"extract":  30 * 24 * time.Hour,
				"batch":    time.Hour,
			},
			EvictionWeights: EvictionWeights{TTL: 0.3, Kind: 0.4, Recency: 0.3},
		},
		Vision: VisionConfig{
			Timeout:                 15 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerRecovery:  60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   200 * time.Millisecond,
			Factor:      2,
			JitterPct:   25,
			MaxDelay:    10 * time.Second,
		},
		Batch:    BatchConfig{DefaultConcurrency: defaultConcurrency()},
		Analyzer: AnalyzerConfig{ConfidenceThreshold: 0.3},
		RedisCache: RedisCacheConfig{
			Addr:    "localhost:6379",
			LRUSize: 4096,
		},
	}
}

func defaultConcurrency() int {
	n := 4
	if v := os.Getenv("VISIONSVC_NUM_CPU"); v != "" {
		fmt.Sscanf(v, "%d", &n)
	}
	if c := 4 * n; c < 32 {
		return c
	}
	return 32
}

// Load reads a YAML config file at path, overlaying it onto Default(). An
// empty path returns Default() unmodified.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// TTLFor returns the configured TTL for kind, falling back to 1 hour if the
// kind is unrecognized (defensive; every kind is populated by Default).
func (c *CacheConfig) TTLFor(kind string) time.Duration {
	if ttl, ok := c.TTLs[kind]; ok {
		return ttl
	}
	return time.Hour
}
