// Package cache provides the query engine's result cache: a bounded,
// TTL-aware LRU keyed by model.Fingerprint, with single-flight coalescing
// of concurrent misses for the same key.
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/sensorgrid/smartquery/model"
)

// overheadBytes is the fixed per-entry bookkeeping cost added to every
// size estimate, covering the DataSet/Metadata wrapper structs.
const overheadBytes = 256

// bytesPerRow is the assumed marginal cost of one Row in the measurement
// schema used here (a timestamp plus one float64 value plus map overhead).
const bytesPerRow = 96

var (
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery", Subsystem: "cache", Name: "hits_total",
		Help: "Total cache hits.",
	})
	metricMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery", Subsystem: "cache", Name: "misses_total",
		Help: "Total cache misses.",
	})
	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartquery", Subsystem: "cache", Name: "evictions_total",
		Help: "Total entries removed from the LRU (capacity eviction, TTL expiry, or clear).",
	})
	metricSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "smartquery", Subsystem: "cache", Name: "size_bytes",
		Help: "Approximate current cache size in bytes.",
	})
	metricEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "smartquery", Subsystem: "cache", Name: "entries",
		Help: "Current number of cache entries.",
	})
)

// Entry is one cached query result.
type Entry struct {
	DataSet    *model.DataSet
	Metadata   model.Metadata
	insertedAt time.Time
	sizeBytes  int
}

// Config controls cache capacity and expiry.
type Config struct {
	SizeLimitBytes int64         `yaml:"size_limit_bytes"`
	TTL            time.Duration `yaml:"ttl_seconds"`
}

func (c Config) orDefault() Config {
	if c.SizeLimitBytes == 0 {
		c.SizeLimitBytes = 512 << 20
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	return c
}

func (c Config) entryLimit() int {
	return int(10 * math.Sqrt(float64(c.SizeLimitBytes)))
}

// Manager is the process-local Fingerprint -> Entry cache.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	lru       *simplelru.LRU[model.Fingerprint, *Entry]
	sizeBytes int64

	group  singleflight.Group
	remote RemoteClient
}

// New builds a Manager, sizing the LRU's soft entry cap from cfg. The
// returned Manager has no remote tier; use WithRemote to attach one.
func New(cfg Config) *Manager {
	cfg = cfg.orDefault()
	m := &Manager{cfg: cfg}
	lru, _ := simplelru.NewLRU[model.Fingerprint, *Entry](cfg.entryLimit(), m.onEvict)
	m.lru = lru
	return m
}

// WithRemote attaches a second-tier RemoteClient (typically a RedisTier)
// consulted on in-process misses and populated alongside the LRU on
// every insert. Returns m for chaining.
func (m *Manager) WithRemote(remote RemoteClient) *Manager {
	m.remote = remote
	return m
}

// wireEntry is Entry's on-the-wire form for the remote tier; Entry's own
// bookkeeping fields are unexported and gob would silently drop them.
type wireEntry struct {
	DataSet    *model.DataSet
	Metadata   model.Metadata
	InsertedAt time.Time
	SizeBytes  int
}

func encodeEntry(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := wireEntry{DataSet: e.DataSet, Metadata: e.Metadata, InsertedAt: e.insertedAt, SizeBytes: e.sizeBytes}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var w wireEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return nil, err
	}
	return &Entry{DataSet: w.DataSet, Metadata: w.Metadata, insertedAt: w.InsertedAt, sizeBytes: w.SizeBytes}, nil
}

func (m *Manager) onEvict(_ model.Fingerprint, e *Entry) {
	m.sizeBytes -= int64(e.sizeBytes)
	metricEvictions.Inc()
}

// estimateSize approximates an entry's memory footprint from its row count.
func estimateSize(ds *model.DataSet) int {
	return overheadBytes + ds.PointCount()*bytesPerRow
}

// Get returns the cached entry for fp if present and unexpired, checking
// the in-process LRU first and the remote tier (if attached) on a local
// miss.
func (m *Manager) Get(ctx context.Context, fp model.Fingerprint) (*Entry, bool) {
	m.mu.Lock()
	e, ok := m.lru.Get(fp)
	if ok && time.Since(e.insertedAt) > m.cfg.TTL {
		m.lru.Remove(fp)
		ok = false
	}
	m.mu.Unlock()

	if ok {
		metricHits.Inc()
		return e, true
	}

	if m.remote != nil {
		if re, ok := m.getRemote(ctx, fp); ok {
			metricHits.Inc()
			m.mu.Lock()
			m.lru.Add(fp, re)
			m.sizeBytes += int64(re.sizeBytes)
			m.mu.Unlock()
			return re, true
		}
	}

	metricMisses.Inc()
	return nil, false
}

func (m *Manager) getRemote(ctx context.Context, fp model.Fingerprint) (*Entry, bool) {
	vals, err := m.remote.MGet(ctx, []string{fingerprintKey(fp)})
	if err != nil || len(vals) == 0 || vals[0] == nil {
		return nil, false
	}
	e, err := decodeEntry(vals[0])
	if err != nil {
		return nil, false
	}
	if time.Since(e.insertedAt) > m.cfg.TTL {
		return nil, false
	}
	return e, true
}

// Put inserts an entry for fp, evicting strict-LRU order until the cache
// is within 90% of its configured byte budget. If a remote tier is
// attached the entry is written through to it as well.
func (m *Manager) Put(ctx context.Context, fp model.Fingerprint, ds *model.DataSet, md model.Metadata) {
	size := estimateSize(ds)
	entry := &Entry{DataSet: ds, Metadata: md, insertedAt: time.Now(), sizeBytes: size}

	m.mu.Lock()
	if old, ok := m.lru.Peek(fp); ok {
		m.sizeBytes -= int64(old.sizeBytes)
	}

	m.lru.Add(fp, entry)
	m.sizeBytes += int64(size)

	threshold := int64(float64(m.cfg.SizeLimitBytes) * 0.9)
	for m.sizeBytes > threshold && m.lru.Len() > 0 {
		m.lru.RemoveOldest()
	}

	metricSizeBytes.Set(float64(m.sizeBytes))
	metricEntries.Set(float64(m.lru.Len()))
	m.mu.Unlock()

	if m.remote != nil {
		if encoded, err := encodeEntry(entry); err == nil {
			_ = m.remote.MSet(ctx, []string{fingerprintKey(fp)}, [][]byte{encoded})
		}
	}
}

// Compute returns the cached entry for fp, or runs fn to produce and
// cache one. Concurrent callers for the same fp share a single in-flight
// computation of fn. Each waiter races that shared computation against
// its own ctx: a waiter whose deadline expires returns DEADLINE_EXCEEDED
// immediately rather than blocking on the group, but the computation
// itself is not cancelled by that waiter giving up — it keeps running,
// bound only to the deadline of whichever caller's ctx started it, so
// any other waiter still in its own wait can benefit from the result.
func (m *Manager) Compute(ctx context.Context, fp model.Fingerprint, fn func(context.Context) (*model.DataSet, model.Metadata, error)) (*model.DataSet, model.Metadata, bool, error) {
	if e, ok := m.Get(ctx, fp); ok {
		md := e.Metadata
		md.CacheHit = true
		return e.DataSet, md, true, nil
	}

	type result struct {
		ds *model.DataSet
		md model.Metadata
	}

	key := strconv.FormatUint(uint64(fp), 10)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		// runCtx is deliberately not ctx itself: if ctx belongs to the
		// waiter that happened to trigger this computation and that
		// waiter times out below, runCtx must keep going regardless.
		// It still honors ctx's deadline, if any, so the computation
		// doesn't run unbounded.
		runCtx := context.Background()
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithDeadline(runCtx, deadline)
			defer cancel()
		}
		ds, md, err := fn(runCtx)
		if err != nil {
			return nil, err
		}
		m.Put(runCtx, fp, ds, md)
		return result{ds: ds, md: md}, nil
	})

	select {
	case <-ctx.Done():
		return nil, model.Metadata{}, false, model.NewError(model.ErrDeadlineExceeded, "", "deadline exceeded waiting for in-flight computation")
	case res := <-ch:
		if res.Err != nil {
			return nil, model.Metadata{}, false, res.Err
		}
		r := res.Val.(result)
		return r.ds, r.md, false, nil
	}
}

// Clear atomically drops every cached entry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	m.sizeBytes = 0
	metricSizeBytes.Set(0)
	metricEntries.Set(0)
}

// Stats reports current cache occupancy for the engine's Stats() surface.
type Stats struct {
	Entries   int
	SizeBytes int64
}

// Stats returns the current entry count and approximate size.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Entries: m.lru.Len(), SizeBytes: m.sizeBytes}
}
