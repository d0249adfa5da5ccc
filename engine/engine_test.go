package engine_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/backend/memtest"
	"github.com/sensorgrid/smartquery/cache"
	"github.com/sensorgrid/smartquery/columnar"
	"github.com/sensorgrid/smartquery/engine"
	"github.com/sensorgrid/smartquery/model"
	"github.com/sensorgrid/smartquery/partition"
)

type fileRow struct {
	Timestamp  int64   `parquet:"timestamp,delta"`
	IntValue   int64   `parquet:"int_value,optional"`
	FloatValue float64 `parquet:"float_value,optional"`
	IsInt      bool    `parquet:"is_int"`
	Null       bool    `parquet:"null"`
}

func writeParquet(t *testing.T, rows []fileRow) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[fileRow](&buf)
	_, err := w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newTestEngine(t *testing.T, seed func(mt *memtest.Backend)) *engine.Engine {
	t.Helper()
	mt := memtest.New()
	seed(mt)

	reg := backend.NewRegistry(backend.BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, mt},
	)
	loc := partition.New(partition.Config{}, reg, nil)
	rdr := columnar.New(columnar.Config{}, reg, nil)
	cm := cache.New(cache.Config{SizeLimitBytes: 1 << 20, TTL: time.Minute})

	cfg := engine.DefaultConfig()
	return engine.New(cfg, reg, loc, rdr, cm, nil)
}

func TestExecuteRawBoundaryScenarioOne(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]fileRow, 0, 3600)
	for i := 0; i < 3600; i++ {
		rows = append(rows, fileRow{Timestamp: base.Add(time.Duration(i) * time.Second).UnixNano(), FloatValue: float64(i)})
	}

	e := newTestEngine(t, func(mt *memtest.Backend) {
		mt.Put("raw/asset-1/2024/01/01/00/s1.parquet", writeParquet(t, rows))
	})

	q := model.Query{
		Sensors:     []model.SensorID{"s1"},
		Assets:      []model.AssetID{"asset-1"},
		Range:       model.TimeRange{Start: base, End: base.Add(time.Hour)},
		MaxPoints:   3600,
		Aggregation: model.AggRaw,
	}

	ds, md, err := e.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, model.RAW, md.TierUsed)
	require.False(t, md.Truncated)
	require.LessOrEqual(t, ds.PointCount(), 3600)
}

func TestExecuteRawBoundaryScenarioTwoTruncates(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]fileRow, 0, 3600)
	for i := 0; i < 3600; i++ {
		rows = append(rows, fileRow{Timestamp: base.Add(time.Duration(i) * time.Second).UnixNano(), FloatValue: float64(i)})
	}

	e := newTestEngine(t, func(mt *memtest.Backend) {
		mt.Put("raw/asset-1/2024/01/01/00/s1.parquet", writeParquet(t, rows))
	})

	q := model.Query{
		Sensors:     []model.SensorID{"s1"},
		Assets:      []model.AssetID{"asset-1"},
		Range:       model.TimeRange{Start: base, End: base.Add(time.Hour)},
		MaxPoints:   100,
		Aggregation: model.AggRaw,
	}

	ds, md, err := e.Execute(context.Background(), q)
	require.NoError(t, err)
	require.True(t, md.Truncated)
	require.LessOrEqual(t, ds.PointCount(), 100)
	require.Equal(t, base.Add(100*time.Second-time.Second), md.ActualEnd)
}

func TestExecuteValidatesMaxPointsZero(t *testing.T) {
	e := newTestEngine(t, func(mt *memtest.Backend) {})

	q := model.Query{
		Sensors:     []model.SensorID{"s1"},
		Range:       model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		MaxPoints:   0,
		Aggregation: model.AggMean,
	}

	_, _, err := e.Execute(context.Background(), q)
	require.Error(t, err)
	require.True(t, model.IsKind(err, model.ErrInvalidParameter))
}

func TestExecuteValidatesTimeRange(t *testing.T) {
	e := newTestEngine(t, func(mt *memtest.Backend) {})

	now := time.Now()
	q := model.Query{
		Sensors:     []model.SensorID{"s1"},
		Range:       model.TimeRange{Start: now, End: now.Add(-time.Hour)},
		MaxPoints:   10,
		Aggregation: model.AggMean,
	}

	_, _, err := e.Execute(context.Background(), q)
	require.Error(t, err)
	require.True(t, model.IsKind(err, model.ErrInvalidTimeRange))
}

func TestClearCacheInvalidatesResults(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, func(mt *memtest.Backend) {
		mt.Put("raw/asset-1/2024/01/01/00/s1.parquet", writeParquet(t, []fileRow{{Timestamp: base.UnixNano(), FloatValue: 1}}))
	})

	q := model.Query{
		Sensors:     []model.SensorID{"s1"},
		Assets:      []model.AssetID{"asset-1"},
		Range:       model.TimeRange{Start: base, End: base.Add(time.Hour)},
		MaxPoints:   100,
		Aggregation: model.AggRaw,
	}

	_, md1, err := e.Execute(context.Background(), q)
	require.NoError(t, err)
	require.False(t, md1.CacheHit)

	_, md2, err := e.Execute(context.Background(), q)
	require.NoError(t, err)
	require.True(t, md2.CacheHit)

	e.ClearCache()

	_, md3, err := e.Execute(context.Background(), q)
	require.NoError(t, err)
	require.False(t, md3.CacheHit)
}
