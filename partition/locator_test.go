package partition_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/backend/memtest"
	"github.com/sensorgrid/smartquery/model"
	"github.com/sensorgrid/smartquery/partition"
)

func newRegistry(mt *memtest.Backend) *backend.Registry {
	return backend.NewRegistry(backend.BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, mt},
	)
}

func TestLocateWithExplicitAssetsRawIsHourly(t *testing.T) {
	mt := memtest.New()
	reg := newRegistry(mt)
	loc := partition.New(partition.Config{}, reg, nil)

	plan := model.Plan{
		Tier:    model.RAW,
		Sensors: []model.SensorID{"temp"},
		Assets:  []model.AssetID{"asset-1"},
		EffectiveRange: model.TimeRange{
			Start: time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC),
		},
	}

	parts, err := loc.Locate(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "raw/asset-1/2026/07/29/10/temp.parquet", parts[0].Path)
	require.Equal(t, "raw/asset-1/2026/07/29/11/temp.parquet", parts[1].Path)
}

func TestLocateMinuteTierIsDaily(t *testing.T) {
	mt := memtest.New()
	reg := newRegistry(mt)
	loc := partition.New(partition.Config{}, reg, nil)

	plan := model.Plan{
		Tier:    model.MINUTE,
		Sensors: []model.SensorID{"temp"},
		Assets:  []model.AssetID{"asset-1"},
		EffectiveRange: model.TimeRange{
			Start: time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		},
	}

	parts, err := loc.Locate(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "minute/asset-1/2026/07/29/temp.parquet", parts[0].Path)
	require.Equal(t, "minute/asset-1/2026/07/30/temp.parquet", parts[1].Path)
}

func TestLocateHourTierIsMonthly(t *testing.T) {
	mt := memtest.New()
	reg := newRegistry(mt)
	loc := partition.New(partition.Config{}, reg, nil)

	plan := model.Plan{
		Tier:    model.HOUR,
		Sensors: []model.SensorID{"temp"},
		Assets:  []model.AssetID{"asset-1"},
		EffectiveRange: model.TimeRange{
			Start: time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	parts, err := loc.Locate(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "hour/asset-1/2026/06/temp.parquet", parts[0].Path)
	require.Equal(t, "hour/asset-1/2026/07/temp.parquet", parts[1].Path)
}

func TestLocateDiscoversAssetsFromBackend(t *testing.T) {
	mt := memtest.New()
	mt.Put("minute/asset-9/2026/07/29/temp.parquet", []byte("x"))
	reg := newRegistry(mt)
	loc := partition.New(partition.Config{AssetListTTL: time.Minute}, reg, nil)

	plan := model.Plan{
		Tier:    model.MINUTE,
		Sensors: []model.SensorID{"temp"},
		EffectiveRange: model.TimeRange{
			Start: time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
		},
	}

	parts, err := loc.Locate(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, model.AssetID("asset-9"), parts[0].Asset)
}

func TestInvalidateAssetCacheForcesRefresh(t *testing.T) {
	mt := memtest.New()
	reg := newRegistry(mt)
	loc := partition.New(partition.Config{AssetListTTL: time.Minute}, reg, nil)

	plan := model.Plan{
		Tier:    model.MINUTE,
		Sensors: []model.SensorID{"temp"},
		EffectiveRange: model.TimeRange{
			Start: time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
		},
	}

	parts, err := loc.Locate(context.Background(), plan)
	require.NoError(t, err)
	require.Empty(t, parts)

	mt.Put("minute/asset-5/2026/07/29/temp.parquet", []byte("x"))
	loc.InvalidateAssetCache()

	parts, err = loc.Locate(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, parts, 1)
}
