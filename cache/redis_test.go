package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/smartquery/cache"
)

func TestRedisTierMSetMGet(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()

	tier := cache.NewRedisTier(cache.RedisConfig{Endpoint: srv.Addr(), Expiration: time.Minute, Timeout: time.Second})
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.MSet(ctx, []string{"a", "b"}, [][]byte{[]byte("1"), []byte("2")}))

	vals, err := tier.MGet(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), vals[0])
	require.Equal(t, []byte("2"), vals[1])
	require.Nil(t, vals[2])
}
