package profiler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeTrackerStats(t *testing.T) {
	tr := NewTimeTracker("inference", 2)

	tr.Record(30 * time.Millisecond)
	tr.Record(10 * time.Millisecond)
	tr.Record(20 * time.Millisecond)

	s := tr.Snapshot()
	assert.Equal(t, "inference", s.Name)
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, 20*time.Millisecond, s.Last)
	assert.Equal(t, 10*time.Millisecond, s.Min)
	assert.Equal(t, 30*time.Millisecond, s.Max)
	assert.Equal(t, 15*time.Millisecond, s.Avg, "average covers the rolling window only")
}

func TestTimeTrackerEmpty(t *testing.T) {
	s := NewTimeTracker("idle", 0).Snapshot()
	assert.Zero(t, s.Count)
	assert.Zero(t, s.Avg)
}

func TestTimeTrackerStartConcurrent(t *testing.T) {
	tr := NewTimeTracker("op", 10)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := tr.Start()
			assert.GreaterOrEqual(t, done(), time.Duration(0))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), tr.Snapshot().Count)
}

func TestReporterLogsSources(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tr := NewTimeTracker("detect", 0)
	tr.Record(5 * time.Millisecond)

	r := NewReporter(time.Hour, logger)
	r.Add(tr)
	r.Report()

	assert.Contains(t, buf.String(), "profiler: runtime")
	assert.Contains(t, buf.String(), "operation=detect")
}

func TestReporterStartStop(t *testing.T) {
	r := NewReporter(time.Millisecond, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	r.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		require.FailNow(t, "reporter did not stop")
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
