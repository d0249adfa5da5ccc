package planner

import (
	"time"

	"github.com/sensorgrid/smartquery/model"
)

// TierThresholds configures the duration cutoffs the tier selector uses.
type TierThresholds struct {
	RawMax    time.Duration `yaml:"raw_max"`
	MinuteMax time.Duration `yaml:"minute_max"`
}

// DefaultTierThresholds matches the spec's defaults: RawMax 24h and
// MinuteMax 168h (7 days). SelectTier consults only MinuteMax: ranges
// longer than it are served from the hour tier unless the aggregation is
// raw or the bucket width is below 1m.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{RawMax: 24 * time.Hour, MinuteMax: 168 * time.Hour}
}

// SelectTier picks the cheapest tier able to serve bucketWidth over a
// range of the given duration, per the spec's first-match-wins rules.
// If aggregation is raw the tier is always RAW regardless of width.
func SelectTier(bucketWidth, duration time.Duration, agg model.Aggregation, thresholds TierThresholds) model.Tier {
	if agg == model.AggRaw {
		return model.RAW
	}
	if bucketWidth < time.Minute {
		return model.RAW
	}
	if bucketWidth < time.Hour && duration <= thresholds.MinuteMax {
		return model.MINUTE
	}
	return model.HOUR
}

// Plan derives the full (tier, bucket_width) pair for a query, promoting
// the tier and rounding bucket_width up to the tier's native grain when
// the selected tier cannot serve the requested resolution directly (for
// example HOUR selected but bucket_width computed below 1h).
func Plan(q model.Query, thresholds TierThresholds) model.Plan {
	duration := q.Range.Duration()
	bucketWidth := BucketWidth(duration, len(q.Sensors), q.MaxPoints, q.Interval)
	if q.WantRaw {
		bucketWidth = time.Second
	}

	tier := SelectTier(bucketWidth, duration, q.Aggregation, thresholds)
	promoted := false
	grain := tier.Grain()
	if bucketWidth < grain {
		bucketWidth = grain
		promoted = true
	}

	expected := expectedPoints(duration, bucketWidth, len(q.Sensors))

	return model.Plan{
		Tier:           tier,
		BucketWidth:    bucketWidth,
		Range:          q.Range,
		EffectiveRange: q.Range,
		Sensors:        q.Sensors,
		Assets:         q.Assets,
		Aggregation:    q.Aggregation,
		ExpectedPoints: expected,
		Promoted:       promoted,
	}
}

// expectedPoints estimates the point count a plan will produce, recorded
// on the plan as ExpectedPoints.
func expectedPoints(duration, bucketWidth time.Duration, sensorCount int) int {
	if bucketWidth <= 0 {
		return 0
	}
	buckets := int(duration / bucketWidth)
	if duration%bucketWidth != 0 {
		buckets++
	}
	return buckets * sensorCount
}
