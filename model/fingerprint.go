package model

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a deterministic digest over a canonicalized Plan. Two
// queries whose plans fingerprint equally must return identical payloads.
type Fingerprint uint64

// ComputeFingerprint canonicalizes the cacheable fields of a Plan (sorted
// sensors, sorted assets, range endpoints truncated to the bucket grain,
// bucket width, aggregation and tier) and hashes them with xxhash64.
// Deadlines and other per-call fields are deliberately excluded.
func ComputeFingerprint(p Plan) Fingerprint {
	var b strings.Builder

	sensors := append([]SensorID(nil), p.Sensors...)
	sort.Slice(sensors, func(i, j int) bool { return sensors[i] < sensors[j] })
	for _, s := range sensors {
		b.WriteString(string(s))
		b.WriteByte(',')
	}
	b.WriteByte('|')

	assets := append([]AssetID(nil), p.Assets...)
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	for _, a := range assets {
		b.WriteString(string(a))
		b.WriteByte(',')
	}
	b.WriteByte('|')

	start := truncateToGrain(p.EffectiveRange.Start, p.BucketWidth)
	end := truncateToGrain(p.EffectiveRange.End, p.BucketWidth)
	b.WriteString(strconv.FormatInt(start, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(end, 10))
	b.WriteByte('|')

	b.WriteString(strconv.FormatInt(int64(p.BucketWidth), 10))
	b.WriteByte('|')
	b.WriteString(string(p.Aggregation))
	b.WriteByte('|')
	b.WriteString(p.Tier.String())

	return Fingerprint(xxhash.Sum64String(b.String()))
}

// truncateToGrain rounds t down to the nearest multiple of grain,
// expressed in unix nanoseconds.
func truncateToGrain(t time.Time, grain time.Duration) int64 {
	g := grain.Nanoseconds()
	n := t.UnixNano()
	if g <= 0 {
		return n
	}
	return n - n%g
}
