package planner_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/smartquery/model"
	"github.com/sensorgrid/smartquery/planner"
)

func TestBucketWidthSnapsToGrid(t *testing.T) {
	// 24h * 2 sensors / 288 points = 10m exactly -> snaps to 10m.
	w := planner.BucketWidth(24*time.Hour, 2, 288, 0)
	require.Equal(t, 10*time.Minute, w)
}

func TestBucketWidthNeverRoundsDownFixedInterval(t *testing.T) {
	w := planner.BucketWidth(time.Hour, 1, 1000, 90*time.Second)
	require.Equal(t, 5*time.Minute, w)
}

func TestSelectTierRawAggregationAlwaysRaw(t *testing.T) {
	tier := planner.SelectTier(time.Hour, 48*time.Hour, model.AggRaw, planner.DefaultTierThresholds())
	require.Equal(t, model.RAW, tier)
}

func TestSelectTierPicksMinuteWithinWindow(t *testing.T) {
	tier := planner.SelectTier(5*time.Minute, 48*time.Hour, model.AggMean, planner.DefaultTierThresholds())
	require.Equal(t, model.MINUTE, tier)
}

func TestSelectTierFallsBackToHourBeyondMinuteMax(t *testing.T) {
	tier := planner.SelectTier(5*time.Minute, 200*time.Hour, model.AggMean, planner.DefaultTierThresholds())
	require.Equal(t, model.HOUR, tier)
}

func TestPlanPromotesWhenTierCannotServeResolution(t *testing.T) {
	q := model.Query{
		Sensors:     []model.SensorID{"s1"},
		Range:       model.TimeRange{Start: time.Now().Add(-300 * time.Hour), End: time.Now()},
		MaxPoints:   10000,
		Aggregation: model.AggMean,
	}
	plan := planner.Plan(q, planner.DefaultTierThresholds())
	require.Equal(t, model.HOUR, plan.Tier)
	require.True(t, plan.Promoted)
	require.Equal(t, time.Hour, plan.BucketWidth)
}

func TestPlanTwoSensorsTwoEightEightPoints(t *testing.T) {
	q := model.Query{
		Sensors:     []model.SensorID{"s1", "s2"},
		Range:       model.TimeRange{Start: time.Unix(0, 0), End: time.Unix(0, 0).Add(24 * time.Hour)},
		MaxPoints:   288,
		Aggregation: model.AggMean,
	}
	plan := planner.Plan(q, planner.DefaultTierThresholds())
	require.Equal(t, 10*time.Minute, plan.BucketWidth)
	require.Equal(t, 288, plan.ExpectedPoints)
}
