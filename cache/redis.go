package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sensorgrid/smartquery/model"
)

// RedisConfig configures an optional remote cache tier backed by Redis.
// When set on engine.Config, the query engine checks Redis after an
// in-process LRU miss and populates both tiers on a successful compute.
type RedisConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Expiration time.Duration `yaml:"expiration"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RemoteClient is the minimal capability the cache needs from a remote
// store: bulk set/get by opaque key. A *RedisTier wraps a RedisConfig
// into this shape; tests can substitute a fake.
type RemoteClient interface {
	MSet(ctx context.Context, keys []string, values [][]byte) error
	MGet(ctx context.Context, keys []string) ([][]byte, error)
}

// RedisTier is a RemoteClient backed by go-redis.
type RedisTier struct {
	client     *redis.Client
	expiration time.Duration
	timeout    time.Duration
}

// NewRedisTier dials cfg.Endpoint and returns a ready RedisTier.
func NewRedisTier(cfg RedisConfig) *RedisTier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	return &RedisTier{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Endpoint,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}),
		expiration: cfg.Expiration,
		timeout:    timeout,
	}
}

// MSet stores each key/value pair with the tier's configured expiration.
func (t *RedisTier) MSet(ctx context.Context, keys []string, values [][]byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	pipe := t.client.Pipeline()
	for i, k := range keys {
		pipe.Set(ctx, k, values[i], t.expiration)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// MGet fetches keys, returning nil for each key not found.
func (t *RedisTier) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.client.MGet(ctx, keys...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([][]byte, len(keys))
	for i, v := range raw {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (t *RedisTier) Close() error { return t.client.Close() }

func fingerprintKey(fp model.Fingerprint) string {
	return "smartquery:q:" + strconv.FormatUint(uint64(fp), 10)
}
