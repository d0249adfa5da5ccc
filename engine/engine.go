// Package engine implements the query core's orchestration: validating a
// Query, planning its tier and resolution, consulting the cache, reading
// and aggregating partitions, enforcing the point budget, and reporting
// operational stats and health.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sensorgrid/smartquery/aggregate"
	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/cache"
	"github.com/sensorgrid/smartquery/columnar"
	"github.com/sensorgrid/smartquery/model"
	"github.com/sensorgrid/smartquery/partition"
	"github.com/sensorgrid/smartquery/planner"
)

var (
	metricQueriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery", Subsystem: "engine", Name: "queries_total",
		Help: "Total queries executed.",
	})
	metricQueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartquery", Subsystem: "engine", Name: "query_errors_total",
		Help: "Total query errors, by error kind.",
	}, []string{"kind"})
	metricQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "smartquery", Subsystem: "engine", Name: "query_duration_seconds",
		Help: "Query execution time.",
	})
	metricTierCounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartquery", Subsystem: "engine", Name: "tier_queries_total",
		Help: "Total queries served per storage tier.",
	}, []string{"tier"})
	metricAdmissionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "smartquery", Subsystem: "engine", Name: "admission_wait_seconds",
		Help: "Time a query spent waiting on the admission semaphore.",
	})
)

// Engine is the query core's entry point, safe for concurrent use.
type Engine struct {
	cfg        Config
	logger     log.Logger
	registry   *backend.Registry
	locator    *partition.Locator
	reader     *columnar.Reader
	cacheMgr   *cache.Manager
	thresholds planner.TierThresholds

	admission chan struct{}
	startedAt time.Time

	statsMu      sync.Mutex
	queryCount   int64
	cacheHits    int64
	cacheMisses  int64
	execTimeSum  float64
	execTimeN    int64
}

// New wires an Engine from its dependencies. reg, loc, rdr, and cm must be
// non-nil; cm may be a no-op manager backed by a zero-capacity cache if
// cfg.CacheEnabled is false.
func New(cfg Config, reg *backend.Registry, loc *partition.Locator, rdr *columnar.Reader, cm *cache.Manager, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	admissionCap := cfg.MaxConcurrentQueries
	if admissionCap <= 0 {
		admissionCap = 64
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		locator:  loc,
		reader:   rdr,
		cacheMgr: cm,
		thresholds: planner.TierThresholds{
			RawMax:    orDefaultDuration(cfg.RawTierMaxHours, 24*time.Hour),
			MinuteMax: orDefaultDuration(cfg.MinuteTierMaxHours, 168*time.Hour),
		},
		admission: make(chan struct{}, admissionCap),
		startedAt: time.Now(),
	}
}

func orDefaultDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Execute runs Q to completion per the ten-step algorithm: validate, admit,
// plan, raw-tier budget pre-check, fingerprint, cache lookup / single-flight,
// partition read, aggregate, output truncation, cache publish.
func (e *Engine) Execute(ctx context.Context, q model.Query) (*model.DataSet, model.Metadata, error) {
	start := time.Now()
	metricQueriesTotal.Inc()

	queryID := uuid.NewString()

	deadline := q.Deadline
	if deadline.IsZero() {
		qd := e.cfg.QueryDeadline
		if qd <= 0 {
			qd = 30 * time.Second
		}
		deadline = start.Add(qd)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := e.validate(q); err != nil {
		e.recordError(queryID, err)
		return nil, model.Metadata{}, err
	}

	if err := e.admit(ctx); err != nil {
		e.recordError(queryID, err)
		return nil, model.Metadata{}, err
	}
	defer func() { <-e.admission }()

	plan := planner.Plan(q, e.thresholds)
	plan.EffectiveRange = q.Range

	if q.Aggregation == model.AggRaw {
		plan.EffectiveRange = truncateRawBudget(q, plan.EffectiveRange)
	}

	fp := model.ComputeFingerprint(plan)

	ds, md, cacheHit, err := e.computeOrCached(ctx, fp, plan, q)
	if err != nil {
		e.recordError(queryID, err)
		return nil, model.Metadata{}, err
	}

	e.statsMu.Lock()
	e.queryCount++
	if cacheHit {
		e.cacheHits++
	} else {
		e.cacheMisses++
	}
	e.execTimeSum += time.Since(start).Seconds() * 1000
	e.execTimeN++
	e.statsMu.Unlock()

	metricQueryDuration.Observe(time.Since(start).Seconds())
	metricTierCounts.WithLabelValues(plan.Tier.String()).Inc()

	md.QueryID = queryID
	md.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	return ds, md, nil
}

// computeOrCached wraps the actual read+aggregate pipeline behind the
// cache manager's single-flight Compute, or runs it directly when the
// cache is disabled.
func (e *Engine) computeOrCached(ctx context.Context, fp model.Fingerprint, plan model.Plan, q model.Query) (*model.DataSet, model.Metadata, bool, error) {
	run := func(ctx context.Context) (*model.DataSet, model.Metadata, error) {
		return e.runPipeline(ctx, plan, q)
	}

	if !e.cfg.CacheEnabled {
		ds, md, err := run(ctx)
		return ds, md, false, err
	}

	return e.cacheMgr.Compute(ctx, fp, run)
}

// runPipeline executes steps 7-9 of the engine algorithm: locate and read
// partitions, aggregate if requested, and truncate to the point budget.
func (e *Engine) runPipeline(ctx context.Context, plan model.Plan, q model.Query) (*model.DataSet, model.Metadata, error) {
	parts, err := e.locator.Locate(ctx, plan)
	if err != nil {
		return nil, model.Metadata{}, err
	}

	ds, err := e.reader.Read(ctx, parts, plan.EffectiveRange)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.Metadata{}, model.NewError(model.ErrDeadlineExceeded, "", "query deadline exceeded while reading partitions")
		}
		return nil, model.Metadata{}, model.NewError(model.ErrReadFailed, "", "partition read failed: %v", err)
	}

	if q.Aggregation != model.AggRaw {
		ds = aggregate.Run(ds, plan.EffectiveRange, plan.BucketWidth, q.Aggregation)
	}

	maxPoints := effectiveMaxPoints(q, e.cfg)
	truncated, actualEnd := truncateToBudget(ds, maxPoints, plan.EffectiveRange.Start, plan.BucketWidth, q.Aggregation)
	if plan.EffectiveRange.End.Before(plan.Range.End) {
		// The raw-tier budget pre-check already shortened the read range.
		truncated = true
	}

	md := model.Metadata{
		TierUsed:        plan.Tier,
		BucketWidthUsed: plan.BucketWidth,
		Truncated:       truncated,
		ActualEnd:       actualEnd,
		Warnings:        ds.Warnings,
	}
	return ds, md, nil
}

// validate rejects malformed queries per §7.
func (e *Engine) validate(q model.Query) error {
	if len(q.Sensors) == 0 {
		return model.NewError(model.ErrInvalidParameter, "sensors", "at least one sensor is required")
	}
	if !q.Range.Valid() {
		return model.NewError(model.ErrInvalidTimeRange, "range", "start must be strictly before end")
	}
	maxDur := e.cfg.MaxQueryDuration
	if maxDur > 0 && q.Range.Duration() > maxDur {
		return model.NewError(model.ErrInvalidTimeRange, "range", "duration %s exceeds max_query_duration %s", q.Range.Duration(), maxDur)
	}
	if q.MaxPoints == 0 {
		return model.NewError(model.ErrInvalidParameter, "max_points", "max_points must be positive")
	}
	if q.MaxPoints < 0 {
		return model.NewError(model.ErrInvalidParameter, "max_points", "max_points must be positive")
	}
	abs := e.cfg.AbsoluteMaxPoints
	if abs > 0 && q.MaxPoints > abs {
		return model.NewError(model.ErrInvalidParameter, "max_points", "max_points %d exceeds absolute_max_points %d", q.MaxPoints, abs)
	}
	switch q.Aggregation {
	case model.AggMin, model.AggMax, model.AggMean, model.AggLast, model.AggRaw:
	default:
		return model.NewError(model.ErrInvalidParameter, "aggregation", "unknown aggregation %q", q.Aggregation)
	}
	return nil
}

// admit blocks until an admission slot is available or ctx's deadline
// (the query's own deadline) elapses.
func (e *Engine) admit(ctx context.Context) error {
	start := time.Now()
	select {
	case e.admission <- struct{}{}:
		metricAdmissionWait.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		metricAdmissionWait.Observe(time.Since(start).Seconds())
		return model.NewError(model.ErrCapacityExceeded, "", "admission semaphore wait exceeded deadline")
	}
}

func (e *Engine) recordError(queryID string, err error) {
	if qe, ok := err.(*model.QueryError); ok {
		metricQueryErrors.WithLabelValues(string(qe.Kind)).Inc()
		level.Warn(e.logger).Log("msg", "query failed", "query_id", queryID, "kind", qe.Kind, "err", qe.Message)
	}
}

// effectiveMaxPoints resolves q.MaxPoints against the configured default.
func effectiveMaxPoints(q model.Query, cfg Config) int {
	if q.MaxPoints > 0 {
		return q.MaxPoints
	}
	if cfg.DefaultMaxPoints > 0 {
		return cfg.DefaultMaxPoints
	}
	return 1000
}

// truncateRawBudget implements step 6: for raw-tier queries, pre-shrinks
// the effective range so a full second-by-second read can never exceed
// the point budget across all requested sensors.
func truncateRawBudget(q model.Query, rng model.TimeRange) model.TimeRange {
	sensors := len(q.Sensors)
	if sensors == 0 {
		sensors = 1
	}
	maxPoints := q.MaxPoints
	if maxPoints <= 0 {
		return rng
	}
	expected := int(rng.Duration()/time.Second) * sensors
	if expected <= maxPoints {
		return rng
	}
	perSensor := maxPoints / sensors
	newEnd := rng.Start.Add(time.Duration(perSensor) * time.Second)
	if newEnd.After(rng.End) {
		newEnd = rng.End
	}
	return model.TimeRange{Start: rng.Start, End: newEnd}
}

// truncateToBudget implements step 9: if the aggregated/raw output still
// exceeds maxPoints, rows are dropped from the tail of the data set in
// group order: earlier (sensor, asset) groups are kept whole, the group in
// which the budget runs out is cut to its earliest rows, and every later
// group is emptied.
func truncateToBudget(ds *model.DataSet, maxPoints int, rangeStart time.Time, bucketWidth time.Duration, agg model.Aggregation) (bool, time.Time) {
	total := ds.PointCount()
	if maxPoints <= 0 || total <= maxPoints {
		return false, latestTimestamp(ds)
	}

	remaining := maxPoints
	truncated := false
	for gi := range ds.Groups {
		g := &ds.Groups[gi]
		if len(g.Rows) <= remaining {
			remaining -= len(g.Rows)
			continue
		}
		if remaining <= 0 {
			g.Rows = nil
			truncated = true
			continue
		}
		g.Rows = g.Rows[:remaining]
		remaining = 0
		truncated = true
	}
	return truncated, latestTimestamp(ds)
}

// latestTimestamp returns the greatest row timestamp across all groups,
// used as actual_end metadata.
func latestTimestamp(ds *model.DataSet) time.Time {
	var latest time.Time
	for _, g := range ds.Groups {
		for _, r := range g.Rows {
			if r.Timestamp.After(latest) {
				latest = r.Timestamp
			}
		}
	}
	return latest
}

// ClearCache drops all cached query results and forces the next asset
// lookup to re-list the backend.
func (e *Engine) ClearCache() {
	e.cacheMgr.Clear()
	e.locator.InvalidateAssetCache()
}

// Stats reports the engine's running operational counters.
type Stats struct {
	QueryCount      int64
	CacheHits       int64
	CacheMisses     int64
	HitRate         float64
	AvgExecutionMs  float64
	CacheSizeBytes  int64
	CacheEntries    int
	UptimeSeconds   float64
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	var hitRate, avgMs float64
	if e.queryCount > 0 {
		hitRate = float64(e.cacheHits) / float64(e.queryCount)
	}
	if e.execTimeN > 0 {
		avgMs = e.execTimeSum / float64(e.execTimeN)
	}
	cs := e.cacheMgr.Stats()

	return Stats{
		QueryCount:     e.queryCount,
		CacheHits:      e.cacheHits,
		CacheMisses:    e.cacheMisses,
		HitRate:        hitRate,
		AvgExecutionMs: avgMs,
		CacheSizeBytes: cs.SizeBytes,
		CacheEntries:   cs.Entries,
		UptimeSeconds:  time.Since(e.startedAt).Seconds(),
	}
}

// Health reports backend and cache health for operational probes.
type Health struct {
	OK              bool
	BackendStatuses map[string]backend.HealthResult
	CacheOK         bool
}

// Health returns the current backend and cache health.
func (e *Engine) Health(ctx context.Context) Health {
	statuses := e.registry.Health(ctx)
	ok := true
	for _, s := range statuses {
		if !s.OK {
			ok = false
		}
	}
	return Health{OK: ok, BackendStatuses: statuses, CacheOK: true}
}
