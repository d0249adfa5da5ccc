// Package aggregate buckets a DataSet's rows into fixed-width time windows
// and folds each bucket down to a single value per the requested
// aggregation function.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/sensorgrid/smartquery/model"
)

// measurementColumn matches the single column name the columnar reader
// populates per row.
const measurementColumn = "value"

// Run buckets every group in ds into fixed windows of width starting at
// range.Start, folding each bucket with agg. AggRaw returns ds itself
// unmodified, with no bucketing and no clipping to rng.
// NaN-valued and null measurements are dropped from min/max/mean folds;
// a bucket with no contributing values is omitted from the output.
func Run(ds *model.DataSet, rng model.TimeRange, width time.Duration, agg model.Aggregation) *model.DataSet {
	if agg == model.AggRaw {
		return ds
	}

	out := &model.DataSet{Warnings: ds.Warnings}
	for _, group := range ds.Groups {
		bucketed := bucketGroup(group, rng, width, agg)
		if len(bucketed.Rows) > 0 {
			out.Groups = append(out.Groups, bucketed)
		}
	}
	return out
}

func bucketGroup(group model.RowGroup, rng model.TimeRange, width time.Duration, agg model.Aggregation) model.RowGroup {
	type acc struct {
		count    int
		sum      float64
		min      float64
		max      float64
		last     model.Value
		lastSeen bool
	}

	buckets := make(map[int64]*acc)
	var order []int64

	for _, row := range group.Rows {
		if !rng.Contains(row.Timestamp) {
			continue
		}
		v, ok := row.Values[measurementColumn]
		if !ok {
			continue
		}
		bucketStart := bucketIndex(row.Timestamp, rng.Start, width)

		a, exists := buckets[bucketStart]
		if !exists {
			a = &acc{min: math.Inf(1), max: math.Inf(-1)}
			buckets[bucketStart] = a
			order = append(order, bucketStart)
		}

		// last always tracks the most recently read row for the bucket,
		// including nulls, so a trailing null can legitimately win.
		a.last = v
		a.lastSeen = true

		if v.Null {
			continue
		}
		f := v.AsFloat64()
		if math.IsNaN(f) {
			continue
		}
		a.count++
		a.sum += f
		if f < a.min {
			a.min = f
		}
		if f > a.max {
			a.max = f
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := model.RowGroup{Sensor: group.Sensor, Asset: group.Asset}
	for _, bucketStart := range order {
		a := buckets[bucketStart]
		ts := rng.Start.Add(time.Duration(bucketStart) * width)

		var val model.Value
		switch agg {
		case model.AggMin:
			if a.count == 0 {
				continue
			}
			val = model.FloatValue(a.min)
		case model.AggMax:
			if a.count == 0 {
				continue
			}
			val = model.FloatValue(a.max)
		case model.AggMean:
			if a.count == 0 {
				continue
			}
			val = model.FloatValue(a.sum / float64(a.count))
		case model.AggLast:
			if !a.lastSeen {
				continue
			}
			val = a.last
		default:
			continue
		}

		out.Rows = append(out.Rows, model.Row{
			Timestamp: ts,
			Sensor:    group.Sensor,
			Asset:     group.Asset,
			Values:    map[string]model.Value{measurementColumn: val},
		})
	}
	return out
}

// bucketIndex returns which width-wide bucket (counted from start) t
// falls into.
func bucketIndex(t, start time.Time, width time.Duration) int64 {
	return int64(t.Sub(start) / width)
}
