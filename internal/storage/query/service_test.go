package query

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/capstore/internal/storage/archive"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/telemetry"
)

func testQueryConfig() config.QueryConfig {
	return config.QueryConfig{
		MemoryLimit: "256MB",
		Timeout:     10 * time.Second,
		MaxRows:     1000,
	}
}

func writeArchive(t *testing.T, dir string, metrics []telemetry.Metric) {
	t.Helper()

	w, err := archive.NewWriter(dir, archive.DefaultOptions())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteMetrics(metrics); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestQueryMetricsFiltersAndOrders(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UnixMilli()
	writeArchive(t, dir, []telemetry.Metric{
		{Component: "pool", Name: "utilization", Value: 0.42, Unit: "ratio", TimestampMs: base + 200},
		{Component: "pool", Name: "utilization", Value: 0.40, Unit: "ratio", TimestampMs: base + 100},
		{Component: "nvme", Name: "depth", Value: 0.10, Unit: "ratio", TimestampMs: base + 150},
	})

	s, err := New(testQueryConfig(), dir)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer s.Close()

	got, err := s.QueryMetrics(context.Background(), MetricQuery{
		Component: "pool",
		StartTime: time.UnixMilli(base),
		EndTime:   time.UnixMilli(base + 1000),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 pool metrics, got %d", len(got))
	}
	if got[0].Value != 0.40 || got[1].Value != 0.42 {
		t.Errorf("expected timestamp ordering, got %+v", got)
	}
	for _, m := range got {
		if m.Component != "pool" {
			t.Errorf("component filter leaked: %+v", m)
		}
	}
}

func TestQueryMetricsEmptyArchive(t *testing.T) {
	s, err := New(testQueryConfig(), t.TempDir())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer s.Close()

	got, err := s.QueryMetrics(context.Background(), MetricQuery{
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now(),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows from empty archive, got %d", len(got))
	}
}

func TestAggregateSummarizesSeries(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UnixMilli()
	writeArchive(t, dir, []telemetry.Metric{
		{Component: "pool", Name: "utilization", Value: 0.20, TimestampMs: base},
		{Component: "pool", Name: "utilization", Value: 0.60, TimestampMs: base + 1},
		{Component: "pool", Name: "utilization", Value: 0.40, TimestampMs: base + 2},
	})

	s, err := New(testQueryConfig(), dir)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer s.Close()

	got, err := s.Aggregate(context.Background(), MetricQuery{
		Component: "pool",
		Name:      "utilization",
		StartTime: time.UnixMilli(base),
		EndTime:   time.UnixMilli(base + 10),
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 series, got %d", len(got))
	}
	a := got[0]
	if a.Count != 3 {
		t.Errorf("expected count 3, got %d", a.Count)
	}
	if a.Min != 0.20 || a.Max != 0.60 {
		t.Errorf("expected min 0.20 max 0.60, got %v %v", a.Min, a.Max)
	}
	if a.Avg < 0.39 || a.Avg > 0.41 {
		t.Errorf("expected avg 0.40, got %v", a.Avg)
	}

	stats := s.Stats()
	if stats.QueriesExecuted != 1 {
		t.Errorf("expected 1 query recorded, got %d", stats.QueriesExecuted)
	}
}

func TestQueryLimitCapped(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UnixMilli()
	metrics := make([]telemetry.Metric, 20)
	for i := range metrics {
		metrics[i] = telemetry.Metric{Component: "pool", Name: "utilization", Value: float64(i), TimestampMs: base + int64(i)}
	}
	writeArchive(t, dir, metrics)

	s, err := New(testQueryConfig(), dir)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer s.Close()

	got, err := s.QueryMetrics(context.Background(), MetricQuery{
		StartTime: time.UnixMilli(base),
		EndTime:   time.UnixMilli(base + 100),
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected limit of 5 rows, got %d", len(got))
	}
}
