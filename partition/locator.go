// Package partition maps a query's (sensors, assets, range, tier) onto the
// concrete partition paths a backend.Backend exposes, and maintains a
// short-lived cache of the known asset set per sensor so repeated queries
// don't re-list the backend on every call.
package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/model"
)

var (
	metricAssetListRefresh = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "smartquery",
		Subsystem: "partition",
		Name:      "asset_list_refresh_seconds",
		Help:      "Time taken to refresh the per-sensor asset list from the backend.",
	})

	metricAssetListErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery",
		Subsystem: "partition",
		Name:      "asset_list_errors_total",
		Help:      "Total errors encountered refreshing the asset list.",
	})
)

// Locator computes partition file paths for a plan and resolves the set of
// assets a sensor currently has data for, via a TTL-bounded cache.
type Locator struct {
	reg    *backend.Registry
	logger log.Logger
	ttl    time.Duration

	mu        sync.RWMutex
	assetsBy  map[model.SensorID][]model.AssetID
	expiresAt time.Time
}

// Config configures a Locator.
type Config struct {
	// AssetListTTL bounds how long the per-sensor asset set is cached
	// before the next lookup triggers a backend List refresh.
	AssetListTTL time.Duration `yaml:"asset_list_ttl"`
}

func (c Config) orDefault() Config {
	if c.AssetListTTL == 0 {
		c.AssetListTTL = 60 * time.Second
	}
	return c
}

// New builds a Locator over reg.
func New(cfg Config, reg *backend.Registry, logger log.Logger) *Locator {
	cfg = cfg.orDefault()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Locator{
		reg:      reg,
		logger:   logger,
		ttl:      cfg.AssetListTTL,
		assetsBy: make(map[model.SensorID][]model.AssetID),
	}
}

// partitionPath is the per-tier path convention, backend-agnostic and
// rooted at the tier name: the RAW tier stores one file per hour, MINUTE
// one per day, HOUR one per month, with the sensor as the final path
// segment in every case:
//
//	<tier>/<asset>/<YYYY>/<MM>/<DD>/<HH>/<sensor>.parquet  (raw)
//	<tier>/<asset>/<YYYY>/<MM>/<DD>/<sensor>.parquet       (minute)
//	<tier>/<asset>/<YYYY>/<MM>/<sensor>.parquet            (hour)
func partitionPath(tier model.Tier, asset model.AssetID, sensor model.SensorID, bucket time.Time) string {
	switch tier {
	case model.RAW:
		return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02d/%s.parquet",
			tier.String(), asset, bucket.Year(), bucket.Month(), bucket.Day(), bucket.Hour(), sensor)
	case model.MINUTE:
		return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s.parquet",
			tier.String(), asset, bucket.Year(), bucket.Month(), bucket.Day(), sensor)
	default: // model.HOUR
		return fmt.Sprintf("%s/%s/%04d/%02d/%s.parquet",
			tier.String(), asset, bucket.Year(), bucket.Month(), sensor)
	}
}

// partitionBucketEnd returns the exclusive end of the partition-file
// interval that starts at bucket, for tier's granularity.
func partitionBucketEnd(tier model.Tier, bucket time.Time) time.Time {
	switch tier {
	case model.RAW:
		return bucket.Add(time.Hour)
	case model.MINUTE:
		return bucket.AddDate(0, 0, 1)
	default: // model.HOUR
		return bucket.AddDate(0, 1, 0)
	}
}

// Locate returns the set of candidate partitions covering plan.Sensors over
// plan.EffectiveRange at plan.Tier, against the asset set in plan.Assets (or
// all known assets per sensor, if plan.Assets is empty). Partitions are
// returned in a stable order: sensor, then asset, then start time ascending.
func (l *Locator) Locate(ctx context.Context, plan model.Plan) ([]model.Partition, error) {
	sensors := append([]model.SensorID(nil), plan.Sensors...)
	sort.Slice(sensors, func(i, j int) bool { return sensors[i] < sensors[j] })

	var partitions []model.Partition
	for _, sensor := range sensors {
		assets := plan.Assets
		if len(assets) == 0 {
			known, err := l.assetsForSensor(ctx, sensor)
			if err != nil {
				return nil, err
			}
			assets = known
		}
		sortedAssets := append([]model.AssetID(nil), assets...)
		sort.Slice(sortedAssets, func(i, j int) bool { return sortedAssets[i] < sortedAssets[j] })

		for _, asset := range sortedAssets {
			for _, bucket := range bucketsSpanning(plan.Tier, plan.EffectiveRange) {
				p := model.Partition{
					Path:   partitionPath(plan.Tier, asset, sensor, bucket),
					Tier:   plan.Tier,
					Asset:  asset,
					Sensor: sensor,
					Start:  bucket,
					End:    partitionBucketEnd(plan.Tier, bucket),
				}
				partitions = append(partitions, p)
			}
		}
	}
	return partitions, nil
}

// bucketsSpanning returns the UTC start boundaries of every partition file
// that intersects the half-open range r, at tier's granularity: hourly for
// RAW, daily for MINUTE, monthly for HOUR.
func bucketsSpanning(tier model.Tier, r model.TimeRange) []time.Time {
	if !r.Valid() {
		return nil
	}
	var start time.Time
	var step func(time.Time) time.Time
	switch tier {
	case model.RAW:
		start = time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), r.Start.Hour(), 0, 0, 0, time.UTC)
		step = func(t time.Time) time.Time { return t.Add(time.Hour) }
	case model.MINUTE:
		start = time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, time.UTC)
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	default: // model.HOUR
		start = time.Date(r.Start.Year(), r.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
		step = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	}
	var out []time.Time
	for d := start; d.Before(r.End); d = step(d) {
		out = append(out, d)
	}
	return out
}

// assetsForSensor returns the cached asset list for sensor, refreshing the
// whole cache from the backend if it has expired.
func (l *Locator) assetsForSensor(ctx context.Context, sensor model.SensorID) ([]model.AssetID, error) {
	l.mu.RLock()
	fresh := time.Now().Before(l.expiresAt)
	assets := l.assetsBy[sensor]
	l.mu.RUnlock()
	if fresh {
		return assets, nil
	}

	if err := l.refresh(ctx); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assetsBy[sensor], nil
}

// refresh lists every path under the backend root and rebuilds the
// sensor->assets index. It is safe to call concurrently; redundant
// refreshes just re-list the backend.
func (l *Locator) refresh(ctx context.Context) error {
	start := time.Now()
	defer func() { metricAssetListRefresh.Observe(time.Since(start).Seconds()) }()

	paths, err := l.reg.List(ctx, "")
	if err != nil {
		metricAssetListErrors.Inc()
		level.Error(l.logger).Log("msg", "failed to refresh asset list", "err", err)
		return model.NewError(model.ErrBackendUnavailable, "", "listing backend for asset discovery: %v", err)
	}

	next := make(map[model.SensorID]map[model.AssetID]struct{})
	for _, p := range paths {
		asset, sensor, ok := parseAssetSensor(p)
		if !ok {
			continue
		}
		if next[sensor] == nil {
			next[sensor] = make(map[model.AssetID]struct{})
		}
		next[sensor][asset] = struct{}{}
	}

	flat := make(map[model.SensorID][]model.AssetID, len(next))
	for sensor, set := range next {
		list := make([]model.AssetID, 0, len(set))
		for a := range set {
			list = append(list, a)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		flat[sensor] = list
	}

	l.mu.Lock()
	l.assetsBy = flat
	l.expiresAt = time.Now().Add(l.ttl)
	l.mu.Unlock()

	level.Info(l.logger).Log("msg", "refreshed asset list", "sensors", len(flat))
	return nil
}

// parseAssetSensor extracts (asset, sensor) from a partition path. Depth
// varies by tier (hour tier is shallowest, raw tier deepest), but in every
// shape the asset is the second segment and the sensor is the file name
// (final segment, extension stripped):
//
//	<tier>/<asset>/<YYYY>/<MM>/<DD>/<HH>/<sensor>.parquet  (raw, 7 parts)
//	<tier>/<asset>/<YYYY>/<MM>/<DD>/<sensor>.parquet       (minute, 6 parts)
//	<tier>/<asset>/<YYYY>/<MM>/<sensor>.parquet            (hour, 5 parts)
func parseAssetSensor(path string) (model.AssetID, model.SensorID, bool) {
	parts := splitPath(path)
	if len(parts) < 5 {
		return "", "", false
	}
	last := parts[len(parts)-1]
	sensor := strings.TrimSuffix(last, filepath.Ext(last))
	if sensor == "" {
		return "", "", false
	}
	return model.AssetID(parts[1]), model.SensorID(sensor), true
}

func splitPath(p string) []string {
	var parts []string
	cur := ""
	for _, r := range p {
		if r == '/' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts = append(parts, cur)
	return parts
}

// InvalidateAssetCache forces the next Locate call to re-list the backend.
// Called by the engine's ClearCache operation.
func (l *Locator) InvalidateAssetCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expiresAt = time.Time{}
	l.assetsBy = make(map[model.SensorID][]model.AssetID)
}
