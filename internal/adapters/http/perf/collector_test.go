package perf

import (
	"sync"
	"testing"
	"time"
)

// TestCollector_Snapshot tests aggregation per entry kind.
func TestCollector_Snapshot(t *testing.T) {
	c := NewCollector(100)
	now := time.Now()

	c.Record(Entry{Kind: KindRequest, Path: "POST /api/bookings", StatusCode: 201, DurationMs: 10, Timestamp: now})
	c.Record(Entry{Kind: KindRequest, Path: "POST /api/bookings", StatusCode: 409, DurationMs: 30, Timestamp: now})
	c.Record(Entry{Kind: KindQuery, Path: "ExecContext", DurationMs: 5, Timestamp: now})

	snap := c.Snapshot(now.Add(-time.Minute), 10)
	if snap.TotalRecorded != 3 || snap.Requests != 2 {
		t.Errorf("TotalRecorded = %d, Requests = %d, want 3, 2", snap.TotalRecorded, snap.Requests)
	}
	if len(snap.SlowestPaths) != 1 || snap.SlowestPaths[0].AvgMs != 20 || snap.SlowestPaths[0].MaxMs != 30 {
		t.Fatalf("SlowestPaths = %+v", snap.SlowestPaths)
	}
	if len(snap.SlowestQueries) != 1 || snap.SlowestQueries[0].Count != 1 {
		t.Fatalf("SlowestQueries = %+v", snap.SlowestQueries)
	}
	if len(snap.LockContention) != 0 {
		t.Errorf("LockContention = %+v, want none", snap.LockContention)
	}
}

// TestCollector_LockContention tests that lock waits rank by total wait.
func TestCollector_LockContention(t *testing.T) {
	c := NewCollector(100)
	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		c.RecordLockWait([]string{"court-1"}, 2*time.Millisecond)
	}
	c.RecordLockWait([]string{"court-1", "court-2"}, 6*time.Millisecond)

	snap := c.Snapshot(now.Add(-time.Minute), 10)
	if len(snap.LockContention) != 2 {
		t.Fatalf("LockContention = %+v", snap.LockContention)
	}
	first := snap.LockContention[0]
	if first.Path != "court-1" || first.Count != 5 || first.TotalMs != 10 || first.AvgMs != 2 {
		t.Errorf("top contention = %+v, want court-1 with 10ms total", first)
	}
	if snap.LockContention[1].Path != "court-1,court-2" {
		t.Errorf("second = %+v", snap.LockContention[1])
	}
	if snap.Requests != 0 {
		t.Errorf("lock waits must not count as requests")
	}
}

// TestCollector_RingBuffer_Overwrites verifies oldest entries are overwritten when full.
func TestCollector_RingBuffer_Overwrites(t *testing.T) {
	c := NewCollector(3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.Record(Entry{Kind: KindRequest, Path: "GET /x", DurationMs: float64(i), Timestamp: now})
	}

	if c.TotalRecorded() != 5 {
		t.Errorf("TotalRecorded = %d, want 5", c.TotalRecorded())
	}
	snap := c.Snapshot(now.Add(-time.Minute), 10)
	if len(snap.SlowestPaths) != 1 || snap.SlowestPaths[0].Count != 3 {
		t.Errorf("SlowestPaths = %+v, want one path with the last 3 entries", snap.SlowestPaths)
	}
}

// TestCollector_Percentiles verifies P50/P95/P99 calculation.
func TestCollector_Percentiles(t *testing.T) {
	c := NewCollector(200)
	now := time.Now()
	for i := 1; i <= 100; i++ {
		c.Record(Entry{Kind: KindRequest, Path: "GET /p", DurationMs: float64(i), Timestamp: now})
	}

	snap := c.Snapshot(now.Add(-time.Minute), 10)
	if snap.RequestP50Ms < 49 || snap.RequestP50Ms > 51 {
		t.Errorf("P50 = %v, want ~50", snap.RequestP50Ms)
	}
	if snap.RequestP95Ms < 94 || snap.RequestP95Ms > 96 {
		t.Errorf("P95 = %v, want ~95", snap.RequestP95Ms)
	}
	if snap.RequestP99Ms < 98 || snap.RequestP99Ms > 100 {
		t.Errorf("P99 = %v, want ~99", snap.RequestP99Ms)
	}
}

// TestCollector_Snapshot_FiltersBySince verifies old entries are excluded.
func TestCollector_Snapshot_FiltersBySince(t *testing.T) {
	c := NewCollector(100)
	recent := time.Now()
	c.Record(Entry{Kind: KindRequest, Path: "GET /old", DurationMs: 100, Timestamp: recent.Add(-2 * time.Hour)})
	c.Record(Entry{Kind: KindRequest, Path: "GET /new", DurationMs: 10, Timestamp: recent})

	snap := c.Snapshot(recent.Add(-time.Hour), 10)
	if len(snap.SlowestPaths) != 1 || snap.SlowestPaths[0].Path != "GET /new" {
		t.Errorf("SlowestPaths = %+v, want only GET /new", snap.SlowestPaths)
	}
}

// TestCollector_TopN tests truncation and tie-breaking.
func TestCollector_TopN(t *testing.T) {
	c := NewCollector(100)
	now := time.Now()
	for _, p := range []string{"GET /c", "GET /a", "GET /b"} {
		c.Record(Entry{Kind: KindRequest, Path: p, DurationMs: 4, Timestamp: now})
	}
	snap := c.Snapshot(now.Add(-time.Minute), 2)
	if len(snap.SlowestPaths) != 2 || snap.SlowestPaths[0].Path != "GET /a" || snap.SlowestPaths[1].Path != "GET /b" {
		t.Errorf("SlowestPaths = %+v", snap.SlowestPaths)
	}
}

// TestCollector_ConcurrentWrites verifies goroutine safety of Record.
func TestCollector_ConcurrentWrites(t *testing.T) {
	c := NewCollector(1000)
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c.Record(Entry{Kind: KindRequest, Path: "GET /c", DurationMs: float64(n), Timestamp: now})
			}
		}(i)
	}
	wg.Wait()
	if c.TotalRecorded() != 1000 {
		t.Errorf("TotalRecorded = %d, want 1000", c.TotalRecorded())
	}
}

// BenchmarkCollectorRecord measures per-call cost of Record().
func BenchmarkCollectorRecord(b *testing.B) {
	c := NewCollector(DefaultRingSize)
	e := Entry{Kind: KindRequest, Path: "GET /bench", StatusCode: 200, DurationMs: 1.5, Timestamp: time.Now()}
	b.ReportAllocs()
	for b.Loop() {
		c.Record(e)
	}
}

// BenchmarkCollectorSnapshot measures cost of computing percentiles + top-N.
func BenchmarkCollectorSnapshot(b *testing.B) {
	c := NewCollector(DefaultRingSize)
	now := time.Now()
	for i := 0; i < DefaultRingSize; i++ {
		c.Record(Entry{Kind: KindRequest, Path: "GET /bench", StatusCode: 200, DurationMs: float64(i % 100), Timestamp: now})
	}
	since := now.Add(-time.Hour)
	b.ReportAllocs()
	for b.Loop() {
		c.Snapshot(since, 10)
	}
}
