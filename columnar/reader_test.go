package columnar_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/backend/memtest"
	"github.com/sensorgrid/smartquery/columnar"
	"github.com/sensorgrid/smartquery/model"
)

type testRow struct {
	Timestamp  int64   `parquet:"timestamp,delta"`
	IntValue   int64   `parquet:"int_value,optional"`
	FloatValue float64 `parquet:"float_value,optional"`
	IsInt      bool    `parquet:"is_int"`
	Null       bool    `parquet:"null"`
}

func writeParquet(t *testing.T, rows []testRow) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[testRow](&buf)
	_, err := w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReadFiltersRangeAndSortsRows(t *testing.T) {
	base := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	rows := []testRow{
		{Timestamp: base.Add(2 * time.Hour).UnixNano(), FloatValue: 2, IsInt: false},
		{Timestamp: base.Add(1 * time.Hour).UnixNano(), FloatValue: 1, IsInt: false},
		{Timestamp: base.Add(30 * time.Hour).UnixNano(), FloatValue: 99, IsInt: false},
	}

	mt := memtest.New()
	mt.Put("raw/asset-1/temp/2026/07/29.parquet", writeParquet(t, rows))
	reg := backend.NewRegistry(backend.BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, mt},
	)

	reader := columnar.New(columnar.Config{}, reg, nil)
	parts := []model.Partition{{
		Path:   "raw/asset-1/temp/2026/07/29.parquet",
		Tier:   model.RAW,
		Asset:  "asset-1",
		Sensor: "temp",
		Start:  base,
		End:    base.AddDate(0, 0, 1),
	}}

	ds, err := reader.Read(context.Background(), parts, model.TimeRange{Start: base, End: base.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, ds.Groups, 1)
	require.Len(t, ds.Groups[0].Rows, 2)
	require.True(t, ds.Groups[0].Rows[0].Timestamp.Before(ds.Groups[0].Rows[1].Timestamp))
}

func TestReadCorruptPartitionFailsWholeRead(t *testing.T) {
	base := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	rows := []testRow{{Timestamp: base.UnixNano(), FloatValue: 1}}

	mt := memtest.New()
	mt.Put("raw/asset-1/temp/2026/07/29.parquet", writeParquet(t, rows))
	mt.Put("raw/asset-2/temp/2026/07/29.parquet", []byte("not a parquet file"))
	reg := backend.NewRegistry(backend.BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, mt},
	)
	reader := columnar.New(columnar.Config{}, reg, nil)

	parts := []model.Partition{
		{Path: "raw/asset-1/temp/2026/07/29.parquet", Sensor: "temp", Asset: "asset-1"},
		{Path: "raw/asset-2/temp/2026/07/29.parquet", Sensor: "temp", Asset: "asset-2"},
	}

	_, err := reader.Read(context.Background(), parts, model.TimeRange{Start: base, End: base.Add(24 * time.Hour)})
	require.Error(t, err)
}

func TestReadMissingPartitionIsEmptyNotError(t *testing.T) {
	mt := memtest.New()
	reg := backend.NewRegistry(backend.BackoffConfig{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
		struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RolePrimary, mt},
	)
	reader := columnar.New(columnar.Config{}, reg, nil)

	parts := []model.Partition{{Path: "raw/asset-1/temp/2026/07/29.parquet", Sensor: "temp", Asset: "asset-1"}}
	ds, err := reader.Read(context.Background(), parts, model.TimeRange{Start: time.Unix(0, 0), End: time.Unix(1<<32, 0)})
	require.NoError(t, err)
	require.Empty(t, ds.Groups)
}
