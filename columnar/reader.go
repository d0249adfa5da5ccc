// Package columnar reads partition files (parquet-encoded, one file per
// tier/asset/sensor and time bucket) into model.RowGroup values, fetching the
// partitions named by a plan with bounded parallelism and a per-partition
// read deadline.
package columnar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/model"
)

// row is the on-disk schema of one partition file. Timestamp is stored as
// unix nanoseconds; exactly one of IntValue/FloatValue is meaningful,
// selected by IsInt, unless Null is set.
type row struct {
	Timestamp  int64   `parquet:"timestamp,delta"`
	IntValue   int64   `parquet:"int_value,optional"`
	FloatValue float64 `parquet:"float_value,optional"`
	IsInt      bool    `parquet:"is_int"`
	Null       bool    `parquet:"null"`
}

const (
	defaultMaxParallelFetch      = 8
	defaultPartitionReadDeadline = 15 * time.Second
	// column name used for the single measurement stored per partition file;
	// a partition file holds one sensor's readings, so there is exactly one.
	measurementColumn = "value"
)

var (
	metricPartitionReadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "smartquery",
		Subsystem: "columnar",
		Name:      "partition_read_seconds",
		Help:      "Time to read and decode a single partition file.",
	})

	metricPartitionReadTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery",
		Subsystem: "columnar",
		Name:      "partition_read_timeouts_total",
		Help:      "Total partition reads that exceeded the per-partition deadline.",
	})

	metricPartitionReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery",
		Subsystem: "columnar",
		Name:      "partition_read_errors_total",
		Help:      "Total partition reads that failed for a reason other than not-found.",
	})
)

// Reader fetches and decodes partition files named by a plan.
type Reader struct {
	reg          *backend.Registry
	logger       log.Logger
	parallelism  int
	readDeadline time.Duration
}

// Config controls the Reader's fan-out width and per-partition deadline.
type Config struct {
	Parallelism  int           `yaml:"partition_read_parallelism"`
	ReadDeadline time.Duration `yaml:"per_partition_deadline"`
}

func (c Config) orDefault() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = defaultMaxParallelFetch
	}
	if c.ReadDeadline <= 0 {
		c.ReadDeadline = defaultPartitionReadDeadline
	}
	return c
}

// New builds a Reader over reg.
func New(cfg Config, reg *backend.Registry, logger log.Logger) *Reader {
	cfg = cfg.orDefault()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Reader{reg: reg, logger: logger, parallelism: cfg.Parallelism, readDeadline: cfg.ReadDeadline}
}

// Read fetches every partition in parts concurrently (bounded to the
// configured parallelism, at most len(parts) in-flight reads), filters rows
// to the requested time range, and returns one RowGroup per (sensor, asset)
// pair sorted by sensor then asset, with rows timestamp-ascending within
// each group. A missing partition is treated as empty; a partition that
// exceeds its per-partition deadline is treated as empty and recorded as a
// warning. A partition that cannot be read or decoded fails the whole read.
func (r *Reader) Read(ctx context.Context, parts []model.Partition, want model.TimeRange) (*model.DataSet, error) {
	if len(parts) == 0 {
		return &model.DataSet{}, nil
	}

	type result struct {
		idx     int
		sensor  model.SensorID
		asset   model.AssetID
		rows    []model.Row
		warning string
	}

	results := make([]result, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	limit := r.parallelism
	if len(parts) < limit {
		limit = len(parts)
	}
	g.SetLimit(limit)

	for i, p := range parts {
		i, p := i, p
		g.Go(func() error {
			rows, warning, err := r.readOne(gctx, p, want)
			if err != nil {
				return err
			}
			results[i] = result{idx: i, sensor: p.Sensor, asset: p.Asset, rows: rows, warning: warning}
			return nil
		})
	}
	// A missing partition or an overrun per-partition deadline is absorbed
	// as a warning inside readOne and never reaches Wait. A permanent
	// per-partition failure (schema mismatch, unreadable file) is
	// returned here, which cancels gctx and fails every sibling worker.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type key struct {
		sensor model.SensorID
		asset  model.AssetID
	}
	grouped := make(map[key][]model.Row)
	var warnings []string
	for _, res := range results {
		if res.warning != "" {
			warnings = append(warnings, res.warning)
		}
		if len(res.rows) == 0 {
			continue
		}
		k := key{res.sensor, res.asset}
		grouped[k] = append(grouped[k], res.rows...)
	}

	keys := make([]key, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sensor != keys[j].sensor {
			return keys[i].sensor < keys[j].sensor
		}
		return keys[i].asset < keys[j].asset
	})

	ds := &model.DataSet{Warnings: warnings}
	for _, k := range keys {
		rows := grouped[k]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
		ds.Groups = append(ds.Groups, model.RowGroup{Sensor: k.sensor, Asset: k.asset, Rows: rows})
	}
	return ds, nil
}

// readOne fetches and decodes a single partition, returning rows within
// want. A missing partition or an overrun per-partition deadline is
// reported as a warning with a nil error, so the caller treats it as an
// empty partition. A permanent failure — the partition exists but can't
// be decoded (corrupt file, schema mismatch) — is reported as a non-nil
// error, which the caller must propagate so the whole read fails with
// READ_FAILED instead of silently returning partial data.
func (r *Reader) readOne(ctx context.Context, p model.Partition, want model.TimeRange) ([]model.Row, string, error) {
	start := time.Now()
	defer func() { metricPartitionReadSeconds.Observe(time.Since(start).Seconds()) }()

	dctx, cancel := context.WithTimeout(ctx, r.readDeadline)
	defer cancel()

	blob, err := r.reg.Open(dctx, p.Path)
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, "", nil
		}
		if dctx.Err() != nil {
			metricPartitionReadTimeouts.Inc()
			level.Warn(r.logger).Log("msg", "partition read deadline exceeded", "path", p.Path)
			return nil, fmt.Sprintf("partition %s: read deadline exceeded", p.Path), nil
		}
		// Every configured backend either reported not-found (handled
		// above) or exhausted its retries transiently; the registry has
		// nothing left to try, so this partition is unreadable.
		metricPartitionReadErrors.Inc()
		level.Warn(r.logger).Log("msg", "partition unreadable", "path", p.Path, "err", err)
		return nil, "", fmt.Errorf("partition %s: backend unavailable: %w", p.Path, err)
	}
	defer blob.Close()

	content, err := io.ReadAll(blob)
	if err != nil {
		metricPartitionReadErrors.Inc()
		level.Warn(r.logger).Log("msg", "partition content read failed", "path", p.Path, "err", err)
		return nil, "", fmt.Errorf("partition %s: unreadable: %w", p.Path, err)
	}

	pf, err := parquet.OpenFile(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		metricPartitionReadErrors.Inc()
		level.Warn(r.logger).Log("msg", "partition decode failed", "path", p.Path, "err", err)
		return nil, "", fmt.Errorf("partition %s: schema mismatch: %w", p.Path, err)
	}

	reader := parquet.NewGenericReader[row](pf)
	defer reader.Close()

	buf := make([]row, 256)
	var out []model.Row
	for {
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			rr := buf[i]
			ts := time.Unix(0, rr.Timestamp).UTC()
			if !want.Contains(ts) {
				continue
			}
			val := model.NullValue()
			switch {
			case rr.Null:
				val = model.NullValue()
			case rr.IsInt:
				val = model.IntValue(rr.IntValue)
			default:
				val = model.FloatValue(rr.FloatValue)
			}
			out = append(out, model.Row{
				Timestamp: ts,
				Sensor:    p.Sensor,
				Asset:     p.Asset,
				Values:    map[string]model.Value{measurementColumn: val},
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			metricPartitionReadErrors.Inc()
			level.Warn(r.logger).Log("msg", "partition row decode failed", "path", p.Path, "err", readErr)
			return nil, "", fmt.Errorf("partition %s: schema mismatch: %w", p.Path, readErr)
		}
		if n == 0 {
			break
		}
	}
	return out, "", nil
}
