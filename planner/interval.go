// Package planner turns a Query's requested resolution and duration into a
// concrete (tier, bucket_width) Plan: the interval planner chooses the
// bucket width implied by the point budget, and the tier selector maps
// that width onto the cheapest storage tier able to serve it.
package planner

import "time"

// standardGrid is the ascending list of bucket widths the planner snaps
// to. Every computed or caller-fixed interval is rounded up to the
// nearest entry; it is never rounded down, since a finer resolution than
// requested could exceed the point budget.
var standardGrid = []time.Duration{
	time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	4 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// SnapToGrid rounds width up to the nearest value in the standard grid,
// clamping to 24h if width exceeds the grid's largest entry.
func SnapToGrid(width time.Duration) time.Duration {
	for _, g := range standardGrid {
		if width <= g {
			return g
		}
	}
	return standardGrid[len(standardGrid)-1]
}

// BucketWidth computes the bucket width for a query spanning duration d
// over sensorCount sensors against a budget of maxPoints, then snaps it to
// the standard grid. If fixed is non-zero, it is treated as the caller's
// requested interval and only snapped, never recomputed from the budget.
func BucketWidth(d time.Duration, sensorCount, maxPoints int, fixed time.Duration) time.Duration {
	if fixed > 0 {
		return SnapToGrid(fixed)
	}
	if maxPoints <= 0 || sensorCount <= 0 {
		return SnapToGrid(d)
	}
	total := d * time.Duration(sensorCount)
	minWidth := ceilDiv(total, time.Duration(maxPoints))
	return SnapToGrid(minWidth)
}

// ceilDiv divides a by b, rounding the result up to the next whole
// time.Duration unit.
func ceilDiv(a, b time.Duration) time.Duration {
	if b <= 0 {
		return a
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}
