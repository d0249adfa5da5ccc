package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/backend/memtest"
)

func fastBackoff() backend.BackoffConfig {
	return backend.BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxRetries: 2}
}

func TestRegistryFallsThroughOnNotFound(t *testing.T) {
	primary := memtest.New()
	secondary := memtest.New()
	secondary.Put("a/b.parquet", []byte("data"))

	reg := backend.NewRegistry(fastBackoff(),
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, primary},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RoleSecondary, secondary},
	)

	blob, err := reg.Open(context.Background(), "a/b.parquet")
	require.NoError(t, err)
	defer blob.Close()
}

func TestRegistryRetriesTransientThenFails(t *testing.T) {
	primary := memtest.New()
	primary.FailTransient = true

	reg := backend.NewRegistry(fastBackoff(),
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, primary},
	)

	_, err := reg.Open(context.Background(), "missing.parquet")
	require.Error(t, err)
}

func TestRegistryExistsAggregatesAcrossBackends(t *testing.T) {
	primary := memtest.New()
	secondary := memtest.New()
	secondary.Put("x.parquet", []byte("1"))

	reg := backend.NewRegistry(fastBackoff(),
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, primary},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RoleSecondary, secondary},
	)

	ok, err := reg.Exists(context.Background(), "x.parquet")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = reg.Exists(context.Background(), "nope.parquet")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistryHealthReportsAllBackends(t *testing.T) {
	primary := memtest.New()
	primary.NameTag = "primary"
	secondary := memtest.New()
	secondary.NameTag = "secondary"
	secondary.Unhealthy = true

	reg := backend.NewRegistry(fastBackoff(),
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, primary},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RoleSecondary, secondary},
	)

	health := reg.Health(context.Background())
	require.True(t, health["primary"].OK)
	require.False(t, health["secondary"].OK)
}
