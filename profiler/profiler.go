// Package profiler - Timing statistics for pipeline stages and a periodic
// runtime report.
package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// DefaultMaxSamples bounds the rolling window of a TimeTracker.
const DefaultMaxSamples = 600

// TimeTracker tracks timing statistics for one operation over a rolling window.
// It is safe for concurrent use.
type TimeTracker struct {
	name       string
	maxSamples int

	mu        sync.Mutex
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	lastTime  time.Duration
	count     int64
}

// TimingStats is a snapshot of a TimeTracker.
type TimingStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Last  time.Duration `json:"last"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

func (s TimingStats) String() string {
	return fmt.Sprintf("%s: n=%d last=%v avg=%v min=%v max=%v", s.Name, s.Count, s.Last, s.Avg, s.Min, s.Max)
}

// NewTimeTracker creates a tracker that keeps at most maxSamples durations
// for the average. Min, max and count cover the tracker's whole lifetime.
//
// Arguments:
//   - name: The operation name used in reports.
//   - maxSamples: Window size; DefaultMaxSamples when not positive.
//
// Returns:
//   - *TimeTracker: The tracker.
func NewTimeTracker(name string, maxSamples int) *TimeTracker {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &TimeTracker{
		name:       name,
		maxSamples: maxSamples,
		durations:  make([]time.Duration, 0, maxSamples),
	}
}

// Name returns the operation name.
func (t *TimeTracker) Name() string {
	return t.name
}

// Start begins timing an operation and returns the function that records it.
// The returned function reports the measured duration.
func (t *TimeTracker) Start() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		d := time.Since(start)
		t.Record(d)
		return d
	}
}

// Record adds one duration.
func (t *TimeTracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 || d < t.minTime {
		t.minTime = d
	}
	if d > t.maxTime {
		t.maxTime = d
	}

	t.durations = append(t.durations, d)
	if len(t.durations) > t.maxSamples {
		t.totalTime -= t.durations[0]
		t.durations = t.durations[1:]
	}

	t.totalTime += d
	t.lastTime = d
	t.count++
}

// Snapshot returns the current statistics.
func (t *TimeTracker) Snapshot() TimingStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TimingStats{
		Name:  t.name,
		Count: t.count,
		Last:  t.lastTime,
		Min:   t.minTime,
		Max:   t.maxTime,
	}
	if n := len(t.durations); n > 0 {
		s.Avg = t.totalTime / time.Duration(n)
	}
	return s
}

// StatsSource is anything that can describe itself for the periodic report.
type StatsSource interface {
	Snapshot() TimingStats
}

// Reporter periodically logs runtime and timing statistics.
type Reporter struct {
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time

	mu      sync.RWMutex
	sources []StatsSource

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewReporter creates a reporter that logs every interval (2s when zero).
func NewReporter(interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{interval: interval, logger: logger, startTime: time.Now()}
}

// Add registers a source for subsequent reports.
func (r *Reporter) Add(src StatsSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
}

// Start begins reporting until ctx is done or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Report()
			}
		}
	}()
}

// Stop ends reporting and waits for the reporting goroutine.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Report logs one report immediately.
func (r *Reporter) Report() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.logger.Info("profiler: runtime",
		"uptime", time.Since(r.startTime).Round(time.Second),
		"goroutines", runtime.NumGoroutine(),
		"heap", formatBytes(mem.HeapAlloc),
		"gc_cycles", mem.NumGC,
	)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range r.sources {
		s := src.Snapshot()
		if s.Count == 0 {
			continue
		}
		r.logger.Info("profiler: timing",
			"operation", s.Name, "count", s.Count,
			"last", s.Last, "avg", s.Avg, "min", s.Min, "max", s.Max)
	}
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
