package balancer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/balancer"
	"github.com/SimonDedman/sharktrack/internal/metrics"
)

// fakeHistory feeds the controller a synthetic rolling window.
type fakeHistory struct {
	samples []metrics.SystemMetrics
}

func (f *fakeHistory) History() []metrics.SystemMetrics {
	return f.samples
}

func snapshot(cpuAvg, memPct float64, queued int) metrics.SystemMetrics {
	return metrics.SystemMetrics{
		Timestamp:     time.Now(),
		CPUAverage:    cpuAvg,
		MemoryPercent: memPct,
		QueuedTasks:   queued,
	}
}

func newBalancer(t *testing.T, cfg balancer.Config, history balancer.MetricsHistory) *balancer.Balancer {
	t.Helper()
	if history == nil {
		history = &fakeHistory{}
	}
	b, err := balancer.New(cfg, history, zap.NewNop())
	require.NoError(t, err)
	return b
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	cases := []struct {
		name string
		min  int
		max  int
	}{
		{"zero min", 0, 4},
		{"zero max", 1, 0},
		{"min above max", 5, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := balancer.New(balancer.Config{MinWorkers: tc.min, MaxWorkers: tc.max}, &fakeHistory{}, zap.NewNop())
			require.Error(t, err)
			assert.ErrorIs(t, err, balancer.ErrConfiguration)
		})
	}
}

func TestScalesUpToMaxAndHolds(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   1,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, nil)

	// Sustained CPU headroom with ample memory and a deep backlog.
	m := snapshot(30, 10, 100)
	prev := b.ActiveWorkers()
	for i := 0; i < 10; i++ {
		target := b.CalculateOptimalWorkers(m)
		if prev < 4 {
			assert.Greater(t, target, prev, "cycle %d must grow the pool", i)
		} else {
			assert.Equal(t, 4, target, "cycle %d must hold at max", i)
		}
		b.AdjustWorkers(target, m)
		prev = target
	}
	assert.Equal(t, 4, b.ActiveWorkers())
}

func TestScalesDownToMinAndHolds(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   4,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, nil)

	// Sustained overload; queue shallow enough not to trip the backlog
	// correction.
	m := snapshot(95, 10, 5)
	prev := b.ActiveWorkers()
	for i := 0; i < 10; i++ {
		target := b.CalculateOptimalWorkers(m)
		if prev > 1 {
			assert.Less(t, target, prev, "cycle %d must shrink the pool", i)
		} else {
			assert.Equal(t, 1, target, "cycle %d must hold at min", i)
		}
		b.AdjustWorkers(target, m)
		prev = target
	}
	assert.Equal(t, 1, b.ActiveWorkers())
}

func TestHysteresisBandHoldsSteady(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   3,
		MinWorkers:       1,
		MaxWorkers:       8,
		TargetCPUPercent: 80,
	}, nil)

	// CPU inside the band, queue matching the pool: no correction fires.
	assert.Equal(t, 3, b.CalculateOptimalWorkers(snapshot(80, 20, 3)))
}

func TestMemoryCeilingOverridesScaleUp(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   2,
		MinWorkers:       1,
		MaxWorkers:       8,
		TargetCPUPercent: 80,
	}, nil)

	// Plenty of CPU headroom but almost no memory headroom.
	assert.Equal(t, 1, b.CalculateOptimalWorkers(snapshot(20, 95, 2)))
}

func TestIOBoundWorkloadShedsWorker(t *testing.T) {
	history := &fakeHistory{samples: []metrics.SystemMetrics{
		snapshot(30, 20, 4),
		snapshot(35, 20, 3),
		snapshot(40, 20, 2),
	}}
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   2,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, history)

	// CPU inside the band so only the I/O heuristic moves the count.
	assert.Equal(t, 1, b.CalculateOptimalWorkers(snapshot(65, 20, 2)))
}

func TestIOBoundNeedsThreeSamples(t *testing.T) {
	history := &fakeHistory{samples: []metrics.SystemMetrics{
		snapshot(30, 20, 4),
		snapshot(35, 20, 3),
	}}
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   2,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, history)

	assert.Equal(t, 2, b.CalculateOptimalWorkers(snapshot(65, 20, 2)))
}

func TestDegenerateInputsStayWithinBounds(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   2,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, nil)

	degenerate := []metrics.SystemMetrics{
		snapshot(0, 100, 0),
		snapshot(0, 0, 0),
		snapshot(100, 100, 1000),
		snapshot(100, 0, 0),
		snapshot(0, 100, 1000),
	}
	for _, m := range degenerate {
		target := b.CalculateOptimalWorkers(m)
		assert.GreaterOrEqual(t, target, 1)
		assert.LessOrEqual(t, target, 4)
	}
}

func TestAdjustWorkersRecordsHistory(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   2,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, nil)

	m := snapshot(30, 10, 9)
	assert.False(t, b.AdjustWorkers(2, m), "unchanged count must be a no-op")
	assert.True(t, b.AdjustWorkers(3, m))

	adjustments := b.Adjustments()
	require.Len(t, adjustments, 1)
	assert.Equal(t, 2, adjustments[0].OldWorkers)
	assert.Equal(t, 3, adjustments[0].NewWorkers)
	assert.Equal(t, 9, adjustments[0].Trigger.QueuedTasks)
}

func TestAcquireBlocksAtLimitAndResizeUnblocks(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   2,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, nil)

	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))
	assert.Equal(t, 2, b.InFlight())

	// Third slot is unavailable until the limit grows.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Acquire(shortCtx))

	acquired := make(chan struct{})
	go func() {
		if err := b.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()
	b.AdjustWorkers(3, snapshot(30, 10, 10))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("resize did not unblock a waiting acquire")
	}

	b.Release()
	b.Release()
	b.Release()
	assert.Equal(t, 0, b.InFlight())
}

func TestShrinkDrainsWithoutCancel(t *testing.T) {
	b := newBalancer(t, balancer.Config{
		InitialWorkers:   3,
		MinWorkers:       1,
		MaxWorkers:       4,
		TargetCPUPercent: 80,
	}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(ctx))
	}

	// Shrinking while slots are held must not take any away; the excess
	// drains as holders release.
	b.AdjustWorkers(1, snapshot(95, 10, 1))
	assert.Equal(t, 3, b.InFlight())

	b.Release()
	b.Release()
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Acquire(shortCtx), "one held slot saturates the shrunk limit")
}
