package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/metrics"
)

// ErrConfiguration is returned when worker bounds are rejected at
// construction.
var ErrConfiguration = errors.New("invalid balancer configuration")

// Config holds the controller's tuning parameters.
type Config struct {
	InitialWorkers     int
	MinWorkers         int
	MaxWorkers         int
	TargetCPUPercent   float64
	AdjustmentInterval time.Duration

	// MemoryPercentPerWorker is the coarse memory-safety heuristic: each
	// worker is assumed to need this share of total memory headroom. It is
	// an approximate safety valve, not an accounting of real per-task
	// consumption. Zero means the default of 8.
	MemoryPercentPerWorker float64
}

// Adjustment records one worker-pool resize and the metrics that triggered
// it. Kept in memory for reporting only.
type Adjustment struct {
	Timestamp  time.Time
	OldWorkers int
	NewWorkers int
	Trigger    metrics.SystemMetrics
}

// MetricsHistory is the rolling-history view the controller needs for
// trend detection.
type MetricsHistory interface {
	History() []metrics.SystemMetrics
}

// Balancer is the feedback controller that decides the target worker-pool
// size from live telemetry. Worker slots are handed out through a counting
// gate whose permit limit the controller resizes in place, so a resize
// never cancels in-flight work or leaves a throughput gap.
type Balancer struct {
	cfg     Config
	logger  *zap.Logger
	history MetricsHistory

	mu          sync.Mutex
	active      int
	inUse       int
	slotChanged chan struct{}
	adjustments []Adjustment
}

// New validates the worker bounds eagerly and constructs the controller.
func New(cfg Config, history MetricsHistory, logger *zap.Logger) (*Balancer, error) {
	if cfg.MinWorkers < 1 || cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("%w: worker bounds must be >= 1 (min=%d, max=%d)", ErrConfiguration, cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		return nil, fmt.Errorf("%w: min_workers %d exceeds max_workers %d", ErrConfiguration, cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.TargetCPUPercent <= 0 {
		cfg.TargetCPUPercent = 85.0
	}
	if cfg.AdjustmentInterval <= 0 {
		cfg.AdjustmentInterval = 5 * time.Second
	}
	if cfg.MemoryPercentPerWorker <= 0 {
		cfg.MemoryPercentPerWorker = 8.0
	}
	initial := cfg.InitialWorkers
	if initial < cfg.MinWorkers {
		initial = cfg.MinWorkers
	}
	if initial > cfg.MaxWorkers {
		initial = cfg.MaxWorkers
	}

	return &Balancer{
		cfg:         cfg,
		logger:      logger,
		history:     history,
		active:      initial,
		slotChanged: make(chan struct{}),
	}, nil
}

// ActiveWorkers returns the current target pool size.
func (b *Balancer) ActiveWorkers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// AdjustmentInterval returns the controller's evaluation cadence.
func (b *Balancer) AdjustmentInterval() time.Duration {
	return b.cfg.AdjustmentInterval
}

// CalculateOptimalWorkers decides the target pool size from the latest
// snapshot. Evaluated once per adjustment interval, not on every sample,
// to damp noise.
func (b *Balancer) CalculateOptimalWorkers(latest metrics.SystemMetrics) int {
	b.mu.Lock()
	active := b.active
	b.mu.Unlock()

	suggested := active
	switch {
	case latest.CPUAverage < b.cfg.TargetCPUPercent*0.7:
		// Headroom exists.
		suggested = active + 1
	case latest.CPUAverage > b.cfg.TargetCPUPercent*1.1:
		// Overloaded.
		suggested = active - 1
	}

	// Memory-safety ceiling.
	memoryWorkers := int((100 - latest.MemoryPercent) / b.cfg.MemoryPercentPerWorker)
	if suggested > memoryWorkers {
		suggested = memoryWorkers
	}

	// Adding CPU-bound workers cannot help an I/O bottleneck and only adds
	// contention.
	if b.ioBound() {
		suggested--
	}

	// Backlog and idle corrections.
	if latest.QueuedTasks > 3*active {
		suggested++
	} else if latest.QueuedTasks < active && latest.CPUAverage < 60 {
		suggested--
	}

	if suggested < b.cfg.MinWorkers {
		suggested = b.cfg.MinWorkers
	}
	if suggested > b.cfg.MaxWorkers {
		suggested = b.cfg.MaxWorkers
	}
	return suggested
}

// ioBound classifies the workload as I/O-limited when the last three
// samples averaged under 50% CPU while the queue stayed non-empty.
func (b *Balancer) ioBound() bool {
	history := b.history.History()
	if len(history) < 3 {
		return false
	}

	recent := history[len(history)-3:]
	var cpuSum float64
	for _, m := range recent {
		if m.QueuedTasks == 0 {
			return false
		}
		cpuSum += m.CPUAverage
	}
	return cpuSum/float64(len(recent)) < 50
}

// AdjustWorkers resizes the permit limit and records the adjustment.
// Returns false when the count is unchanged. Shrinking never cancels
// in-flight work: excess permits drain as workers release them.
func (b *Balancer) AdjustWorkers(newCount int, trigger metrics.SystemMetrics) bool {
	b.mu.Lock()
	if newCount == b.active {
		b.mu.Unlock()
		return false
	}
	old := b.active
	b.active = newCount
	b.adjustments = append(b.adjustments, Adjustment{
		Timestamp:  time.Now(),
		OldWorkers: old,
		NewWorkers: newCount,
		Trigger:    trigger,
	})
	b.notifyLocked()
	b.mu.Unlock()

	b.logger.Info("Adjusted worker pool",
		zap.Int("old_workers", old),
		zap.Int("new_workers", newCount),
		zap.Float64("cpu_avg", trigger.CPUAverage),
		zap.Float64("memory_percent", trigger.MemoryPercent),
		zap.Int("queued_tasks", trigger.QueuedTasks),
	)
	return true
}

// Acquire blocks until a worker slot is free or the context is cancelled.
func (b *Balancer) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.inUse < b.active {
			b.inUse++
			b.mu.Unlock()
			return nil
		}
		wait := b.slotChanged
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Release returns a worker slot.
func (b *Balancer) Release() {
	b.mu.Lock()
	b.inUse--
	b.notifyLocked()
	b.mu.Unlock()
}

// notifyLocked wakes all goroutines blocked in Acquire so they re-check
// the permit limit. Callers must hold b.mu.
func (b *Balancer) notifyLocked() {
	close(b.slotChanged)
	b.slotChanged = make(chan struct{})
}

// InFlight returns the number of currently held worker slots.
func (b *Balancer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Adjustments returns a copy of the adjustment log.
func (b *Balancer) Adjustments() []Adjustment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Adjustment(nil), b.adjustments...)
}
