package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndAggregate(t *testing.T) {
	s := New("")
	now := time.Now()
	s.Record(QueryMetrics{Timestamp: now, Strategy: "simple", TotalLatencyMS: 100, QualityOK: true})
	s.Record(QueryMetrics{Timestamp: now, Strategy: "complex", TotalLatencyMS: 300, QualityOK: true, CacheHit: true})
	s.Record(QueryMetrics{Timestamp: now, Strategy: "simple", TotalLatencyMS: 200, QualityOK: false, ErrorStage: StageReason})

	agg := s.Aggregate(time.Hour)
	if agg.Count != 3 {
		t.Fatalf("expected 3 records, got %d", agg.Count)
	}
	if agg.AvgLatencyMS != 200 {
		t.Errorf("avg latency = %v, want 200", agg.AvgLatencyMS)
	}
	if agg.QualityOKRate < 0.66 || agg.QualityOKRate > 0.67 {
		t.Errorf("quality ok rate = %v, want ~0.667", agg.QualityOKRate)
	}
	if agg.CacheHitRate < 0.33 || agg.CacheHitRate > 0.34 {
		t.Errorf("cache hit rate = %v, want ~0.333", agg.CacheHitRate)
	}
	if agg.ErrorRateByStage[StageReason] < 0.33 || agg.ErrorRateByStage[StageReason] > 0.34 {
		t.Errorf("reason error rate = %v, want ~0.333", agg.ErrorRateByStage[StageReason])
	}
}

func TestAggregateExcludesOutsideWindow(t *testing.T) {
	s := New("")
	s.Record(QueryMetrics{Timestamp: time.Now().Add(-2 * time.Hour), Strategy: "simple", TotalLatencyMS: 50, QualityOK: true})
	agg := s.Aggregate(time.Hour)
	if agg.Count != 0 {
		t.Fatalf("expected 0 records within 1h window, got %d", agg.Count)
	}
	if agg.Health != HealthHealthy {
		t.Errorf("empty window should report healthy, got %v", agg.Health)
	}
}

func TestHealthDegradesWithErrorRate(t *testing.T) {
	s := New("")
	now := time.Now()
	for i := 0; i < 94; i++ {
		s.Record(QueryMetrics{Timestamp: now, Strategy: "simple", TotalLatencyMS: 10, QualityOK: true})
	}
	for i := 0; i < 6; i++ {
		s.Record(QueryMetrics{Timestamp: now, Strategy: "simple", TotalLatencyMS: 10, ErrorStage: StageRetrieve})
	}
	agg := s.Aggregate(time.Hour)
	if agg.Health != HealthUnhealthy {
		t.Errorf("expected unhealthy at 6%% error rate, got %v", agg.Health)
	}
}

func TestRecordMirrorsToDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.json")
	s := New(path)
	s.Record(QueryMetrics{Strategy: "simple", TotalLatencyMS: 42, QualityOK: true})

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected mirror file to exist: %v", err)
	}
}
