package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/gpu"
)

// SystemMetrics is a point-in-time snapshot of host utilization plus the
// engine's own queue and worker counts. It is in-memory only, never
// persisted.
type SystemMetrics struct {
	Timestamp     time.Time
	CPUPerCore    []float64
	CPUAverage    float64
	MemoryPercent float64
	DiskReadMB    float64
	DiskWriteMB   float64
	GPUPercent    *float64 // nil when the host has no usable GPU telemetry
	ActiveWorkers int
	QueuedTasks   int
}

// GPUProbe reports GPU utilization when the host can provide it.
type GPUProbe interface {
	Utilization(ctx context.Context) (float64, bool)
}

const sampleWindow = 100 * time.Millisecond

// Sampler takes bounded blocking snapshots of system utilization and keeps
// a time-bounded rolling history for trend detection.
type Sampler struct {
	logger   *zap.Logger
	window   time.Duration
	gpuProbe GPUProbe

	mu      sync.Mutex
	history []SystemMetrics
}

// NewSampler creates a Sampler retaining history for the given window.
// Zero means the 10 minute default. gpuProbe may be nil on hosts without
// GPU telemetry.
func NewSampler(window time.Duration, gpuProbe GPUProbe, logger *zap.Logger) *Sampler {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Sampler{
		logger:   logger,
		window:   window,
		gpuProbe: gpuProbe,
	}
}

// Sample blocks for roughly the sampling window and returns an accurate
// instantaneous reading. Signals the host cannot provide are omitted
// rather than causing failure.
func (s *Sampler) Sample(ctx context.Context, activeWorkers, queuedTasks int) SystemMetrics {
	m := SystemMetrics{
		Timestamp:     time.Now(),
		ActiveWorkers: activeWorkers,
		QueuedTasks:   queuedTasks,
	}

	perCore, err := cpu.PercentWithContext(ctx, sampleWindow, true)
	if err != nil {
		s.logger.Debug("CPU telemetry unavailable", zap.Error(err))
	} else {
		m.CPUPerCore = perCore
		var sum float64
		for _, c := range perCore {
			sum += c
		}
		if len(perCore) > 0 {
			m.CPUAverage = sum / float64(len(perCore))
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		s.logger.Debug("Memory telemetry unavailable", zap.Error(err))
	} else {
		m.MemoryPercent = vm.UsedPercent
	}

	if counters, err := disk.IOCountersWithContext(ctx); err != nil {
		s.logger.Debug("Disk telemetry unavailable", zap.Error(err))
	} else {
		var read, write uint64
		for _, c := range counters {
			read += c.ReadBytes
			write += c.WriteBytes
		}
		m.DiskReadMB = float64(read) / (1024 * 1024)
		m.DiskWriteMB = float64(write) / (1024 * 1024)
	}

	if s.gpuProbe != nil {
		if util, ok := s.gpuProbe.Utilization(ctx); ok {
			m.GPUPercent = &util
		}
	}

	return m
}

// Record appends a snapshot to the rolling history and prunes entries
// older than the retention window, keeping memory flat over long runs.
func (s *Sampler) Record(m SystemMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, m)
	cutoff := time.Now().Add(-s.window)
	first := 0
	for first < len(s.history) && s.history[first].Timestamp.Before(cutoff) {
		first++
	}
	if first > 0 {
		s.history = append([]SystemMetrics(nil), s.history[first:]...)
	}
}

// History returns a copy of the rolling history, oldest first.
func (s *Sampler) History() []SystemMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SystemMetrics(nil), s.history...)
}

// HardwareInfo describes the host for initial worker sizing.
type HardwareInfo struct {
	PhysicalCores int     `json:"cpu_cores"`
	LogicalCores  int     `json:"cpu_logical"`
	MemoryGB      float64 `json:"memory_gb"`
	GPUAvailable  bool    `json:"gpu_available"`
}

// DetectHardware gathers host information for worker sizing. Unavailable
// signals degrade to zero values.
func DetectHardware(ctx context.Context, gpuProbe GPUProbe, logger *zap.Logger) HardwareInfo {
	hw := HardwareInfo{}

	if physical, err := cpu.CountsWithContext(ctx, false); err != nil {
		logger.Debug("Physical core count unavailable", zap.Error(err))
	} else {
		hw.PhysicalCores = physical
	}
	if logical, err := cpu.CountsWithContext(ctx, true); err != nil {
		logger.Debug("Logical core count unavailable", zap.Error(err))
	} else {
		hw.LogicalCores = logical
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.Debug("Memory size unavailable", zap.Error(err))
	} else {
		hw.MemoryGB = float64(vm.Total) / (1024 * 1024 * 1024)
	}
	if gpuProbe != nil {
		_, hw.GPUAvailable = gpuProbe.Utilization(ctx)
	}
	return hw
}

// RecommendWorkers suggests an initial worker count from the host
// hardware: one worker per physical core, capped by memory at roughly 2GB
// per worker, with a small uplift when a GPU can offload decode work. The
// result is clamped to [1, 16].
func RecommendWorkers(hw HardwareInfo) int {
	workers := hw.PhysicalCores
	if workers < 1 {
		workers = 1
	}

	if hw.MemoryGB > 0 {
		memoryCap := int(hw.MemoryGB / 2)
		if memoryCap < 1 {
			memoryCap = 1
		}
		if workers > memoryCap {
			workers = memoryCap
		}
	}

	if hw.GPUAvailable {
		workers = workers * 12 / 10
	}

	if workers < 1 {
		workers = 1
	}
	if workers > 16 {
		workers = 16
	}
	return workers
}

// Ensure the default probe satisfies the interface.
var _ GPUProbe = (*gpu.Probe)(nil)
