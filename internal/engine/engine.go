package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/balancer"
	"github.com/SimonDedman/sharktrack/internal/ledger"
	"github.com/SimonDedman/sharktrack/internal/metrics"
)

// TaskFunc is the caller-supplied task body. It receives the cancellation
// context and the task it should process, and returns the produced output
// path. Any error or panic is captured per-task and never aborts the
// batch. Timeouts are the task function's own responsibility.
type TaskFunc func(ctx context.Context, task *ledger.Task) (string, error)

// Result is the outcome of one task execution.
type Result struct {
	TaskID     string
	WorkerID   string
	OutputPath string
	Duration   time.Duration
	Err        error
}

// StatusUpdate reports one task transition to an external observer.
type StatusUpdate struct {
	BatchID   string            `json:"batch_id"`
	TaskID    string            `json:"task_id"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Status    ledger.TaskStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
}

// StatusPublisher pushes task transitions and progress snapshots to an
// external sink. This decouples the engine from the concrete transport.
type StatusPublisher interface {
	PublishTaskStatus(update *StatusUpdate) error
	PublishProgress(summary ledger.ProgressSummary) error
}

// MetricsSource is the telemetry surface the engine's monitor loop needs.
type MetricsSource interface {
	Sample(ctx context.Context, activeWorkers, queuedTasks int) metrics.SystemMetrics
	Record(m metrics.SystemMetrics)
	History() []metrics.SystemMetrics
}

// Report summarizes one Run for operators.
type Report struct {
	TotalProcessingTime  time.Duration         `json:"total_processing_time"`
	TasksCompleted       int                   `json:"tasks_completed"`
	TasksFailed          int                   `json:"tasks_failed"`
	TasksSkipped         int                   `json:"tasks_skipped"`
	AverageThroughput    float64               `json:"average_throughput_per_sec"`
	AverageCPUPercent    float64               `json:"average_cpu_usage"`
	AverageMemoryPercent float64               `json:"average_memory_usage"`
	WorkerAdjustments    int                   `json:"worker_adjustments"`
	FinalWorkerCount     int                   `json:"final_worker_count"`
	RecentAdjustments    []balancer.Adjustment `json:"adjustment_history"`
}

// Engine drives the worker pool sized by the balancer, feeds completions
// back into the ledger, and persists state before returning. It holds no
// process-wide state; callers construct one per batch and thread it
// through.
type Engine struct {
	logger   *zap.Logger
	ledger   *ledger.Ledger
	sampler  MetricsSource
	balancer *balancer.Balancer
	reporter StatusPublisher // nil disables status publishing

	mu     sync.Mutex
	report *Report
}

// New creates an Engine. reporter may be nil.
func New(led *ledger.Ledger, sampler MetricsSource, bal *balancer.Balancer, reporter StatusPublisher, logger *zap.Logger) *Engine {
	return &Engine{
		logger:   logger,
		ledger:   led,
		sampler:  sampler,
		balancer: bal,
		reporter: reporter,
	}
}

// Run executes the given tasks through the dynamically sized worker pool.
// All tasks are enqueued FIFO up front; the submission loop stops at the
// first cancellation check after ctx is done, in-flight work runs to
// completion, and the ledger is persisted before Run returns. Completion
// order is unordered; the ledger records each transition by task id.
func (e *Engine) Run(ctx context.Context, taskFn TaskFunc, tasks []*ledger.Task) ([]Result, error) {
	if taskFn == nil {
		return nil, errors.New("task function is required")
	}

	start := time.Now()
	e.logger.Info("Starting batch run",
		zap.String("batch_id", e.ledger.BatchID()),
		zap.Int("task_count", len(tasks)),
		zap.Int("initial_workers", e.balancer.ActiveWorkers()),
	)
	e.ledger.SetCurrentWorkers(e.balancer.ActiveWorkers())

	queue := make(chan *ledger.Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	var monitorDone sync.WaitGroup
	monitorDone.Add(1)
	go func() {
		defer monitorDone.Done()
		e.monitor(monitorCtx, queue)
	}()

	results := make(chan Result)
	var inFlight sync.WaitGroup
	go func() {
		for task := range queue {
			if ctx.Err() != nil {
				break
			}

			if info, err := os.Stat(task.OutputPath); err == nil && info.Size() >= ledger.MinPlausibleOutputSize {
				e.ledger.MarkTaskSkipped(task.TaskID, "output already exists")
				e.publishTaskStatus(task.TaskID, "", ledger.StatusSkipped, "output already exists")
				continue
			}

			if err := e.balancer.Acquire(ctx); err != nil {
				break
			}

			workerID := "worker-" + uuid.NewString()[:8]
			e.ledger.MarkTaskStarted(task.TaskID, workerID)
			e.publishTaskStatus(task.TaskID, workerID, ledger.StatusProcessing, "task execution started")

			inFlight.Add(1)
			go func(task *ledger.Task, workerID string) {
				defer inFlight.Done()
				defer e.balancer.Release()

				started := time.Now()
				output, err := runTask(ctx, taskFn, task)
				results <- Result{
					TaskID:     task.TaskID,
					WorkerID:   workerID,
					OutputPath: output,
					Duration:   time.Since(started),
					Err:        err,
				}
			}(task, workerID)
		}
		inFlight.Wait()
		close(results)
	}()

	var collected []Result
	for r := range results {
		if r.Err != nil {
			e.ledger.MarkTaskFailed(r.TaskID, r.Err.Error())
			e.publishTaskStatus(r.TaskID, r.WorkerID, ledger.StatusFailed, r.Err.Error())
			e.logger.Error("Task failed",
				zap.String("task_id", r.TaskID),
				zap.String("worker_id", r.WorkerID),
				zap.Error(r.Err),
			)
		} else {
			e.ledger.MarkTaskCompleted(r.TaskID, r.OutputPath)
			e.publishTaskStatus(r.TaskID, r.WorkerID, ledger.StatusCompleted, "")
			e.logger.Debug("Task completed",
				zap.String("task_id", r.TaskID),
				zap.Duration("duration", r.Duration),
			)
		}
		collected = append(collected, r)
	}

	stopMonitor()
	monitorDone.Wait()

	if err := e.ledger.SaveProgress(); err != nil {
		e.logger.Warn("Failed to persist ledger at end of run", zap.Error(err))
	}
	if e.reporter != nil {
		if err := e.reporter.PublishProgress(e.ledger.ProgressSummary()); err != nil {
			e.logger.Warn("Failed to publish final progress", zap.Error(err))
		}
	}

	e.buildReport(time.Since(start), collected)

	e.logger.Info("Batch run finished",
		zap.String("batch_id", e.ledger.BatchID()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("results", len(collected)),
		zap.Error(ctx.Err()),
	)
	return collected, ctx.Err()
}

// monitor is the controller's periodic sample-and-adjust cycle. It stops
// on cancellation or when the run completes.
func (e *Engine) monitor(ctx context.Context, queue chan *ledger.Task) {
	ticker := time.NewTicker(e.balancer.AdjustmentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := e.sampler.Sample(ctx, e.balancer.ActiveWorkers(), len(queue))
			e.sampler.Record(m)

			target := e.balancer.CalculateOptimalWorkers(m)
			if e.balancer.AdjustWorkers(target, m) {
				e.ledger.SetCurrentWorkers(target)
			}

			if e.reporter != nil {
				if err := e.reporter.PublishProgress(e.ledger.ProgressSummary()); err != nil {
					e.logger.Warn("Failed to publish progress update", zap.Error(err))
				}
			}
		}
	}
}

// runTask invokes the task body, converting panics into per-task errors.
func runTask(ctx context.Context, fn TaskFunc, task *ledger.Task) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, task)
}

func (e *Engine) publishTaskStatus(taskID, workerID string, status ledger.TaskStatus, message string) {
	if e.reporter == nil {
		return
	}
	update := &StatusUpdate{
		BatchID:   e.ledger.BatchID(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
	if err := e.reporter.PublishTaskStatus(update); err != nil {
		e.logger.Warn("Failed to publish task status",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

func (e *Engine) buildReport(elapsed time.Duration, results []Result) {
	completed, failed := 0, 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			completed++
		}
	}
	skipped := 0
	if b, ok := e.ledger.Batch(); ok {
		skipped = b.SkippedTasks
	}

	history := e.sampler.History()
	var cpuSum, memSum float64
	for _, m := range history {
		cpuSum += m.CPUAverage
		memSum += m.MemoryPercent
	}
	avgCPU, avgMem := 0.0, 0.0
	if len(history) > 0 {
		avgCPU = cpuSum / float64(len(history))
		avgMem = memSum / float64(len(history))
	}

	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(completed) / elapsed.Seconds()
	}

	adjustments := e.balancer.Adjustments()
	recent := adjustments
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	e.mu.Lock()
	e.report = &Report{
		TotalProcessingTime:  elapsed,
		TasksCompleted:       completed,
		TasksFailed:          failed,
		TasksSkipped:         skipped,
		AverageThroughput:    throughput,
		AverageCPUPercent:    avgCPU,
		AverageMemoryPercent: avgMem,
		WorkerAdjustments:    len(adjustments),
		FinalWorkerCount:     e.balancer.ActiveWorkers(),
		RecentAdjustments:    append([]balancer.Adjustment(nil), recent...),
	}
	e.mu.Unlock()
}

// Report returns the performance report for the last completed Run, or nil
// before any run has finished.
func (e *Engine) Report() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.report == nil {
		return nil
	}
	cp := *e.report
	return &cp
}
