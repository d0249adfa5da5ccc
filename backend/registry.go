package backend

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Role names a logical position a backend is registered under.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

var (
	metricBackendRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartquery",
		Subsystem: "backend",
		Name:      "retries_total",
		Help:      "Total number of retried backend operations, by backend and role.",
	}, []string{"backend", "role"})

	metricBackendFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartquery",
		Subsystem: "backend",
		Name:      "fallbacks_total",
		Help:      "Total number of times the registry fell through to the next backend.",
	}, []string{"from_backend", "to_backend"})

	metricBackendUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery",
		Subsystem: "backend",
		Name:      "unavailable_total",
		Help:      "Total number of reads where every configured backend failed transiently.",
	})
)

// BackoffConfig controls the retry policy applied per backend before the
// registry falls through to the next one. Defaults match spec: base
// 100ms, factor 2, cap 2s, 3 attempts.
type BackoffConfig struct {
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	MaxRetries int           `yaml:"max_retries"`
}

func (c BackoffConfig) orDefault() BackoffConfig {
	if c.MinBackoff == 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

func (c BackoffConfig) dskit() backoff.Config {
	return backoff.Config{
		MinBackoff: c.MinBackoff,
		MaxBackoff: c.MaxBackoff,
		MaxRetries: c.MaxRetries,
	}
}

type roleBackend struct {
	role    Role
	backend Backend
}

// Registry composes an ordered sequence of backends by role and applies
// bounded retry-with-backoff per backend, falling through to the next
// backend on a permanent (not-found) failure. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	backends []roleBackend
	backoff  BackoffConfig
}

// NewRegistry builds a registry from an ordered list of (role, backend)
// pairs. Order determines fallback precedence: primary is tried first.
func NewRegistry(cfg BackoffConfig, backends ...struct {
	Role    Role
	Backend Backend
}) *Registry {
	r := &Registry{backoff: cfg.orDefault()}
	for _, b := range backends {
		r.backends = append(r.backends, roleBackend{role: b.Role, backend: b.Backend})
	}
	return r
}

// Open opens path, retrying transient failures per backend and falling
// through to the next backend on a permanent not-found.
func (r *Registry) Open(ctx context.Context, path string) (ReadableBlob, error) {
	var lastTransientErr error
	transientFailures := 0
	for i, rb := range r.backends {
		blob, err := withRetry(ctx, r.backoff, rb, func() (ReadableBlob, error) {
			return rb.backend.Open(ctx, path)
		})
		if err == nil {
			return blob, nil
		}
		if !isTransient(rb.backend, err) {
			if i+1 < len(r.backends) {
				metricBackendFallbacks.WithLabelValues(rb.backend.Name(), r.backends[i+1].backend.Name()).Inc()
			}
			continue
		}
		lastTransientErr = err
		transientFailures++
	}
	if transientFailures > 0 && transientFailures == len(r.backends) {
		metricBackendUnavailable.Inc()
		return nil, lastTransientErr
	}
	return nil, ErrNotFound
}

// List enumerates paths under prefix across backends, falling through on
// not-found and surfacing an error only if every backend transiently fails.
func (r *Registry) List(ctx context.Context, prefix string) ([]string, error) {
	var lastTransientErr error
	transientFailures := 0
	for i, rb := range r.backends {
		paths, err := withRetry(ctx, r.backoff, rb, func() ([]string, error) {
			return rb.backend.List(ctx, prefix)
		})
		if err == nil {
			return paths, nil
		}
		if !isTransient(rb.backend, err) {
			if i+1 < len(r.backends) {
				metricBackendFallbacks.WithLabelValues(rb.backend.Name(), r.backends[i+1].backend.Name()).Inc()
			}
			continue
		}
		lastTransientErr = err
		transientFailures++
	}
	if transientFailures > 0 && transientFailures == len(r.backends) {
		metricBackendUnavailable.Inc()
		return nil, lastTransientErr
	}
	return nil, nil
}

// Exists reports whether path exists in any configured backend.
func (r *Registry) Exists(ctx context.Context, path string) (bool, error) {
	var lastTransientErr error
	for _, rb := range r.backends {
		ok, err := withRetry(ctx, r.backoff, rb, func() (bool, error) {
			return rb.backend.Exists(ctx, path)
		})
		if err == nil {
			if ok {
				return true, nil
			}
			continue
		}
		if !isTransient(rb.backend, err) {
			continue
		}
		lastTransientErr = err
	}
	if lastTransientErr != nil {
		return false, lastTransientErr
	}
	return false, nil
}

// Health reports the health of every configured backend.
func (r *Registry) Health(ctx context.Context) map[string]HealthResult {
	out := make(map[string]HealthResult, len(r.backends))
	for _, rb := range r.backends {
		out[rb.backend.Name()] = rb.backend.Health(ctx)
	}
	return out
}

// withRetry retries fn against one backend using the given bounded
// exponential backoff, stopping early on a permanent (non-transient)
// error so the caller can fall through immediately.
func withRetry[T any](ctx context.Context, cfg BackoffConfig, rb roleBackend, fn func() (T, error)) (T, error) {
	b := backoff.New(ctx, cfg.dskit())
	var zero T
	var err error
	var val T
	for b.Ongoing() {
		val, err = fn()
		if err == nil {
			return val, nil
		}
		if !isTransient(rb.backend, err) {
			return zero, err
		}
		metricBackendRetries.WithLabelValues(rb.backend.Name(), string(rb.role)).Inc()
		b.Wait()
	}
	if err == nil {
		err = b.Err()
	}
	return zero, err
}
