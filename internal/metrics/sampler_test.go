package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/metrics"
)

type fixedGPU struct {
	util float64
	ok   bool
}

func (f fixedGPU) Utilization(_ context.Context) (float64, bool) {
	return f.util, f.ok
}

func TestSamplePopulatesQueueAndWorkerCounts(t *testing.T) {
	s := metrics.NewSampler(time.Minute, nil, zap.NewNop())

	m := s.Sample(context.Background(), 3, 7)
	assert.Equal(t, 3, m.ActiveWorkers)
	assert.Equal(t, 7, m.QueuedTasks)
	assert.False(t, m.Timestamp.IsZero())
	assert.Nil(t, m.GPUPercent, "no probe configured, GPU reading must be omitted")
}

func TestSampleIncludesGPUWhenProbeSucceeds(t *testing.T) {
	s := metrics.NewSampler(time.Minute, fixedGPU{util: 42.5, ok: true}, zap.NewNop())

	m := s.Sample(context.Background(), 1, 0)
	require.NotNil(t, m.GPUPercent)
	assert.InDelta(t, 42.5, *m.GPUPercent, 0.001)
}

func TestSampleOmitsGPUWhenProbeFails(t *testing.T) {
	s := metrics.NewSampler(time.Minute, fixedGPU{ok: false}, zap.NewNop())

	m := s.Sample(context.Background(), 1, 0)
	assert.Nil(t, m.GPUPercent)
}

func TestRecordPrunesOutsideWindow(t *testing.T) {
	s := metrics.NewSampler(50*time.Millisecond, nil, zap.NewNop())

	old := metrics.SystemMetrics{Timestamp: time.Now().Add(-time.Second), CPUAverage: 10}
	fresh := metrics.SystemMetrics{Timestamp: time.Now(), CPUAverage: 90}
	s.Record(old)
	s.Record(fresh)

	history := s.History()
	require.Len(t, history, 1)
	assert.InDelta(t, 90, history[0].CPUAverage, 0.001)
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := metrics.NewSampler(time.Minute, nil, zap.NewNop())
	s.Record(metrics.SystemMetrics{Timestamp: time.Now(), CPUAverage: 25})

	h := s.History()
	require.Len(t, h, 1)
	h[0].CPUAverage = 999

	again := s.History()
	assert.InDelta(t, 25, again[0].CPUAverage, 0.001, "mutating a returned slice must not affect stored history")
}

func TestRecommendWorkers(t *testing.T) {
	tests := []struct {
		name string
		hw   metrics.HardwareInfo
		want int
	}{
		{
			name: "cores drive the count on a roomy host",
			hw:   metrics.HardwareInfo{PhysicalCores: 8, MemoryGB: 64},
			want: 8,
		},
		{
			name: "memory caps a core-heavy host",
			hw:   metrics.HardwareInfo{PhysicalCores: 16, MemoryGB: 8},
			want: 4,
		},
		{
			name: "gpu uplift on a balanced host",
			hw:   metrics.HardwareInfo{PhysicalCores: 10, MemoryGB: 64, GPUAvailable: true},
			want: 12,
		},
		{
			name: "unknown hardware falls back to one worker",
			hw:   metrics.HardwareInfo{},
			want: 1,
		},
		{
			name: "tiny memory still yields one worker",
			hw:   metrics.HardwareInfo{PhysicalCores: 4, MemoryGB: 1},
			want: 1,
		},
		{
			name: "upper clamp on a huge host",
			hw:   metrics.HardwareInfo{PhysicalCores: 64, MemoryGB: 512, GPUAvailable: true},
			want: 16,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, metrics.RecommendWorkers(tc.hw))
		})
	}
}

func TestDetectHardwareReportsGPUAvailability(t *testing.T) {
	hw := metrics.DetectHardware(context.Background(), fixedGPU{util: 10, ok: true}, zap.NewNop())
	assert.True(t, hw.GPUAvailable)

	hw = metrics.DetectHardware(context.Background(), nil, zap.NewNop())
	assert.False(t, hw.GPUAvailable)
}
