package engine

import "time"

// Config is the engine's full configuration surface, loaded from a single
// YAML document (see cmd/smartquery-cli).
type Config struct {
	StorageMode string `yaml:"storage_mode"`

	MaxQueryDuration  time.Duration `yaml:"max_query_duration"`
	DefaultMaxPoints  int           `yaml:"default_max_points"`
	AbsoluteMaxPoints int           `yaml:"absolute_max_points"`

	CacheEnabled    bool          `yaml:"cache_enabled"`
	CacheSizeBytes  int64         `yaml:"cache_size_bytes"`
	CacheTTLSeconds time.Duration `yaml:"cache_ttl_seconds"`

	RawTierMaxHours    time.Duration `yaml:"raw_tier_max_hours"`
	MinuteTierMaxHours time.Duration `yaml:"minute_tier_max_hours"`

	PartitionReadParallelism int           `yaml:"partition_read_parallelism"`
	PerPartitionDeadline     time.Duration `yaml:"per_partition_deadline"`
	QueryDeadline            time.Duration `yaml:"query_deadline"`

	MaxConcurrentQueries int `yaml:"max_concurrent_queries"`

	AssetListTTL time.Duration `yaml:"asset_list_ttl"`

	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig mirrors cache.RedisConfig for YAML decoding without
// importing the cache package's internal types into the config surface.
type RedisConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Expiration time.Duration `yaml:"expiration"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		StorageMode:              "primary_only",
		MaxQueryDuration:         30 * 24 * time.Hour,
		DefaultMaxPoints:         1000,
		AbsoluteMaxPoints:        100000,
		CacheEnabled:             true,
		CacheSizeBytes:           512 << 20,
		CacheTTLSeconds:          time.Hour,
		RawTierMaxHours:          24 * time.Hour,
		MinuteTierMaxHours:       168 * time.Hour,
		PartitionReadParallelism: 8,
		PerPartitionDeadline:     15 * time.Second,
		QueryDeadline:            30 * time.Second,
		MaxConcurrentQueries:     64,
		AssetListTTL:             60 * time.Second,
	}
}
