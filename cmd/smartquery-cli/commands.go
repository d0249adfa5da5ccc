package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/sensorgrid/smartquery/engine"
	"github.com/sensorgrid/smartquery/model"
)

type queryCmd struct {
	Sensors     string `arg:"" help:"Comma-separated sensor IDs."`
	Assets      string `help:"Comma-separated asset IDs (optional, default: all)."`
	Start       string `required:"" help:"Range start, RFC3339."`
	End         string `required:"" help:"Range end, RFC3339 (exclusive)."`
	MaxPoints   int    `name:"max-points" default:"1000" help:"Point budget for the query."`
	Aggregation string `default:"mean" help:"One of min, max, mean, last, raw."`
	Interval    string `help:"Fixed bucket width, e.g. 5m (optional)."`
	JSON        bool   `name:"json" help:"Print the raw JSON result instead of a table."`
}

func (c *queryCmd) Run(eng *engine.Engine) error {
	start, err := time.Parse(time.RFC3339, c.Start)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, c.End)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	var interval time.Duration
	if c.Interval != "" {
		interval, err = time.ParseDuration(c.Interval)
		if err != nil {
			return fmt.Errorf("invalid --interval: %w", err)
		}
	}

	q := model.Query{
		Sensors:     splitIDs[model.SensorID](c.Sensors),
		Assets:      splitIDs[model.AssetID](c.Assets),
		Range:       model.TimeRange{Start: start, End: end},
		Interval:    interval,
		MaxPoints:   c.MaxPoints,
		Aggregation: model.Aggregation(c.Aggregation),
	}

	ds, md, err := eng.Execute(context.Background(), q)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			DataSet  *model.DataSet `json:"data"`
			Metadata model.Metadata `json:"metadata"`
		}{ds, md})
	}

	printDataSet(ds, md)
	return nil
}

func splitIDs[T ~string](s string) []T {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]T, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, T(p))
	}
	return out
}

func printDataSet(ds *model.DataSet, md model.Metadata) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Sensor", "Asset", "Timestamp", "Value"})
	for _, g := range ds.Groups {
		for _, row := range g.Rows {
			v := row.Values["value"]
			table.Append([]string{string(g.Sensor), string(g.Asset), row.Timestamp.Format(time.RFC3339), valueString(v)})
		}
	}
	table.Render()

	fmt.Printf("tier=%s bucket_width=%s truncated=%v cache_hit=%v execution_ms=%.2f\n",
		md.TierUsed, md.BucketWidthUsed, md.Truncated, md.CacheHit, md.ExecutionTimeMs)
	for _, w := range md.Warnings {
		fmt.Println("warning:", w)
	}
}

func valueString(v model.Value) string {
	if v.Null {
		return "null"
	}
	if v.IsInt {
		return fmt.Sprintf("%d", v.Int)
	}
	return fmt.Sprintf("%g", v.Float)
}

type statsCmd struct{}

func (c *statsCmd) Run(eng *engine.Engine) error {
	s := eng.Stats()
	fmt.Printf("queries=%d hits=%d misses=%d hit_rate=%.2f%% avg_ms=%.2f cache_entries=%d cache_bytes=%d uptime_s=%.0f\n",
		s.QueryCount, s.CacheHits, s.CacheMisses, s.HitRate*100, s.AvgExecutionMs, s.CacheEntries, s.CacheSizeBytes, s.UptimeSeconds)
	return nil
}

type healthCmd struct{}

func (c *healthCmd) Run(eng *engine.Engine) error {
	h := eng.Health(context.Background())
	fmt.Printf("ok=%v cache_ok=%v\n", h.OK, h.CacheOK)
	for name, status := range h.BackendStatuses {
		fmt.Printf("  backend=%s ok=%v issues=%v\n", name, status.OK, status.Issues)
	}
	if !h.OK {
		os.Exit(1)
	}
	return nil
}

type clearCacheCmd struct{}

func (c *clearCacheCmd) Run(eng *engine.Engine) error {
	eng.ClearCache()
	fmt.Println("cache cleared")
	return nil
}
