package ledger

import (
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskStatus represents the lifecycle state of a single batch task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
)

// Sentinel errors for the ledger's failure taxonomy. Callers match with
// errors.Is; the wrapped message carries the underlying cause.
var (
	ErrDiscovery   = errors.New("task discovery failed")
	ErrPersistence = errors.New("ledger persistence failed")
	ErrNotTerminal = errors.New("batch has unfinished tasks")
)

// MinPlausibleOutputSize is the floor below which an output file is
// considered truncated. VerifyCompletedTasks resets such tasks to pending.
const MinPlausibleOutputSize = 1024

// Task is one independently tracked unit of work, persisted as part of the
// task map.
type Task struct {
	TaskID       string     `json:"task_id"`
	InputPath    string     `json:"input_path"`
	OutputPath   string     `json:"output_path"`
	Status       TaskStatus `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	WorkerID     string     `json:"worker_id,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
}

// Batch is the aggregate progress record for one run.
type Batch struct {
	BatchID                 string     `json:"batch_id"`
	InputDirectory          string     `json:"input_directory"`
	OutputDirectory         string     `json:"output_directory"`
	TotalTasks              int        `json:"total_tasks"`
	CompletedTasks          int        `json:"completed_tasks"`
	FailedTasks             int        `json:"failed_tasks"`
	SkippedTasks            int        `json:"skipped_tasks"`
	StartTime               time.Time  `json:"start_time"`
	LastUpdateTime          time.Time  `json:"last_update_time"`
	EstimatedCompletionTime *time.Time `json:"estimated_completion_time,omitempty"`
	CurrentWorkers          int        `json:"current_workers"`
}

// ProgressSummary is the point-in-time view of batch progress exposed to
// callers and reporters.
type ProgressSummary struct {
	BatchID              string  `json:"batch_id"`
	TotalTasks           int     `json:"total_tasks"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Skipped              int     `json:"skipped"`
	Remaining            int     `json:"remaining"`
	CompletionPercent    float64 `json:"completion_percentage"`
	ElapsedHours         float64 `json:"elapsed_time_hours"`
	EstimatedRemaining   string  `json:"estimated_time_remaining"`
	ThroughputPerHour    float64 `json:"throughput_per_hour"`
	CurrentWorkers       int     `json:"current_workers"`
}

// Config holds construction parameters for a Ledger.
type Config struct {
	BatchName   string
	InputDir    string
	OutputDir   string
	ProgressDir string

	// AutoSaveInterval throttles write-through persists triggered by task
	// transitions. Zero means the 30s default.
	AutoSaveInterval time.Duration

	// StaleProcessingAfter decides the resume policy for tasks left in
	// "processing" by an unclean shutdown: entries older than this are
	// reset to pending on load. Zero means the 1h default.
	StaleProcessingAfter time.Duration
}

// Ledger is the durable record of every task's identity and status plus the
// batch aggregate. It persists to two JSON files under ProgressDir and is
// the sole source of truth for resumption. All mutation goes through a
// single mutex so concurrent worker callbacks cannot interleave a persist.
type Ledger struct {
	cfg    Config
	logger *zap.Logger

	batchID      string
	progressFile string
	tasksFile    string

	mu              sync.Mutex
	tasks           map[string]*Task
	batch           *Batch
	lastSaveTime    time.Time
	persistFailures int
}

// New constructs a Ledger and derives the batch id from the batch name,
// input root, output root and current date. The id is computed once and
// cached for the life of the object, so a continuous run resumes the same
// batch across interruption and restart.
func New(cfg Config, logger *zap.Logger) (*Ledger, error) {
	if cfg.BatchName == "" || cfg.InputDir == "" || cfg.OutputDir == "" {
		return nil, fmt.Errorf("batch name, input dir and output dir are required")
	}
	if cfg.ProgressDir == "" {
		cfg.ProgressDir = "progress"
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 30 * time.Second
	}
	if cfg.StaleProcessingAfter <= 0 {
		cfg.StaleProcessingAfter = time.Hour
	}
	if err := os.MkdirAll(cfg.ProgressDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create progress directory %s: %w", cfg.ProgressDir, err)
	}

	seed := fmt.Sprintf("%s_%s_%s_%s", cfg.BatchName, cfg.InputDir, cfg.OutputDir, time.Now().Format("2006-01-02"))
	batchID := fmt.Sprintf("%x", md5.Sum([]byte(seed)))[:8]

	return &Ledger{
		cfg:          cfg,
		logger:       logger,
		batchID:      batchID,
		progressFile: filepath.Join(cfg.ProgressDir, batchID+"_progress.json"),
		tasksFile:    filepath.Join(cfg.ProgressDir, batchID+"_tasks.json"),
		tasks:        make(map[string]*Task),
	}, nil
}

// BatchID returns the derived batch identifier.
func (l *Ledger) BatchID() string {
	return l.batchID
}

// Discover walks the input root and builds one pending Task per path the
// predicate accepts. Task ids are a pure function of the path relative to
// the input root, so re-running discovery on an unchanged tree yields an
// identical id set. Output paths mirror the input tree under the output
// root, which keeps same-named files in different directories distinct.
func (l *Ledger) Discover(predicate func(path string) bool) ([]*Task, error) {
	var tasks []*Task

	err := filepath.WalkDir(l.cfg.InputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !predicate(path) {
			return nil
		}

		rel, err := filepath.Rel(l.cfg.InputDir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		task := &Task{
			TaskID:     taskIDFromRelPath(rel),
			InputPath:  path,
			OutputPath: filepath.Join(l.cfg.OutputDir, rel),
			Status:     StatusPending,
			FileSize:   info.Size(),
			Checksum:   fileChecksum(path),
		}
		tasks = append(tasks, task)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walking %s: %v", ErrDiscovery, l.cfg.InputDir, err)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })

	l.logger.Info("Task discovery completed",
		zap.String("input_dir", l.cfg.InputDir),
		zap.Int("task_count", len(tasks)),
	)
	return tasks, nil
}

// taskIDFromRelPath derives a stable task id from a path relative to the
// input root. Separators and dots collapse to underscores so the id is safe
// to use as a map key and in filenames.
func taskIDFromRelPath(rel string) string {
	id := filepath.ToSlash(rel)
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, ".", "_")
	return id
}

// fileChecksum returns the hex md5 of the file contents, or empty when the
// file cannot be read. The checksum is integrity metadata only; discovery
// does not fail on an unreadable single file.
func fileChecksum(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// InitializeNewBatch discovers tasks, builds the batch aggregate and
// persists it immediately. A persist failure here is fatal because a batch
// whose progress location is unwritable cannot be resumed later.
func (l *Ledger) InitializeNewBatch(predicate func(path string) bool) ([]*Task, error) {
	tasks, err := l.Discover(predicate)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.tasks = make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		l.tasks[t.TaskID] = t
	}
	now := time.Now()
	l.batch = &Batch{
		BatchID:         l.batchID,
		InputDirectory:  l.cfg.InputDir,
		OutputDirectory: l.cfg.OutputDir,
		TotalTasks:      len(tasks),
		StartTime:       now,
		LastUpdateTime:  now,
	}
	saveErr := l.saveLocked()
	l.mu.Unlock()

	if saveErr != nil {
		return nil, saveErr
	}

	l.logger.Info("Initialized new batch",
		zap.String("batch_id", l.batchID),
		zap.Int("total_tasks", len(tasks)),
		zap.String("progress_file", l.progressFile),
	)
	return tasks, nil
}

// LoadExistingProgress restores the batch aggregate and task map from a
// previous run. It returns false with a nil error when no ledger exists
// yet, and a wrapped ErrPersistence when files are present but unreadable
// so the caller can decide to discard or abort.
//
// Tasks left in "processing" by an unclean shutdown have no owning worker
// after a restart; entries whose start time is older than
// StaleProcessingAfter are reset to pending here.
func (l *Ledger) LoadExistingProgress() (bool, error) {
	progressData, err := os.ReadFile(l.progressFile)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: reading %s: %v", ErrPersistence, l.progressFile, err)
	}
	tasksData, err := os.ReadFile(l.tasksFile)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: reading %s: %v", ErrPersistence, l.tasksFile, err)
	}

	var batch Batch
	if err := json.Unmarshal(progressData, &batch); err != nil {
		return false, fmt.Errorf("%w: corrupt progress file %s: %v", ErrPersistence, l.progressFile, err)
	}
	var tasks map[string]*Task
	if err := json.Unmarshal(tasksData, &tasks); err != nil {
		return false, fmt.Errorf("%w: corrupt tasks file %s: %v", ErrPersistence, l.tasksFile, err)
	}

	l.mu.Lock()
	l.batch = &batch
	l.tasks = tasks
	stale := 0
	cutoff := time.Now().Add(-l.cfg.StaleProcessingAfter)
	for _, t := range l.tasks {
		if t.Status != StatusProcessing {
			continue
		}
		if t.StartTime == nil || t.StartTime.Before(cutoff) {
			t.Status = StatusPending
			t.WorkerID = ""
			stale++
		}
	}
	l.mu.Unlock()

	l.logger.Info("Loaded existing progress",
		zap.String("batch_id", batch.BatchID),
		zap.Int("total_tasks", batch.TotalTasks),
		zap.Int("completed", batch.CompletedTasks),
		zap.Int("failed", batch.FailedTasks),
		zap.Int("stale_processing_reset", stale),
	)
	return true, nil
}

// VerifyCompletedTasks re-checks every completed task's declared output and
// resets any with a missing or implausibly small file back to pending.
// Returns the ids of the tasks that were reset.
func (l *Ledger) VerifyCompletedTasks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var invalid []string
	for id, t := range l.tasks {
		if t.Status != StatusCompleted {
			continue
		}
		info, err := os.Stat(t.OutputPath)
		if err == nil && info.Size() >= MinPlausibleOutputSize {
			continue
		}
		l.transitionLocked(t, StatusPending)
		invalid = append(invalid, id)
	}

	if len(invalid) > 0 {
		l.logger.Warn("Reset completed tasks with invalid outputs", zap.Int("count", len(invalid)))
		if err := l.saveLocked(); err != nil {
			l.logger.Warn("Failed to persist after output verification", zap.Error(err))
		}
	}
	sort.Strings(invalid)
	return invalid
}

// transitionLocked moves a task to a new status while keeping the batch
// counters consistent with the task map. Callers must hold l.mu.
func (l *Ledger) transitionLocked(t *Task, to TaskStatus) {
	switch t.Status {
	case StatusCompleted:
		l.batch.CompletedTasks--
	case StatusFailed:
		l.batch.FailedTasks--
	case StatusSkipped:
		l.batch.SkippedTasks--
	}
	switch to {
	case StatusCompleted:
		l.batch.CompletedTasks++
	case StatusFailed:
		l.batch.FailedTasks++
	case StatusSkipped:
		l.batch.SkippedTasks++
	}
	t.Status = to
}

// MarkTaskStarted records that a worker picked up the task.
func (l *Ledger) MarkTaskStarted(taskID, workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok {
		return
	}
	l.transitionLocked(t, StatusProcessing)
	now := time.Now()
	t.StartTime = &now
	t.EndTime = nil
	t.WorkerID = workerID
}

// MarkTaskCompleted records a successful terminal transition.
func (l *Ledger) MarkTaskCompleted(taskID, outputPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok {
		return
	}
	l.transitionLocked(t, StatusCompleted)
	now := time.Now()
	t.EndTime = &now
	if outputPath != "" {
		t.OutputPath = outputPath
	}
	l.afterTerminalLocked()
}

// MarkTaskFailed records a failed attempt. The task stays retryable: it
// remains queryable via GetFailedTasks and can be resubmitted, which
// increments RetryCount again on the next failure.
func (l *Ledger) MarkTaskFailed(taskID, errorMessage string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok {
		return
	}
	l.transitionLocked(t, StatusFailed)
	now := time.Now()
	t.EndTime = &now
	t.ErrorMessage = errorMessage
	t.RetryCount++
	l.afterTerminalLocked()
}

// MarkTaskSkipped records that the task did not need processing, e.g. its
// output already exists.
func (l *Ledger) MarkTaskSkipped(taskID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok {
		return
	}
	l.transitionLocked(t, StatusSkipped)
	now := time.Now()
	t.EndTime = &now
	t.ErrorMessage = reason
	l.afterTerminalLocked()
}

// afterTerminalLocked runs the throttled write-through after a terminal
// transition, forcing an unconditional persist once the batch has just
// become fully terminal.
func (l *Ledger) afterTerminalLocked() {
	terminal := l.batch.CompletedTasks + l.batch.FailedTasks + l.batch.SkippedTasks
	force := terminal == l.batch.TotalTasks
	if !force && time.Since(l.lastSaveTime) < l.cfg.AutoSaveInterval {
		return
	}
	if err := l.saveLocked(); err != nil {
		l.logger.Warn("Throttled persist failed, continuing with in-memory state", zap.Error(err))
	}
}

// SaveProgress recomputes the completion estimate and writes the batch
// record and the full task map to disk.
func (l *Ledger) SaveProgress() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

// saveLocked writes both ledger files via temp-file-and-rename so a crash
// mid-write cannot leave the batch record disagreeing with the task map.
// Callers must hold l.mu.
func (l *Ledger) saveLocked() error {
	if l.batch == nil {
		return fmt.Errorf("%w: no batch initialized", ErrPersistence)
	}

	now := time.Now()
	l.batch.LastUpdateTime = now
	if l.batch.CompletedTasks > 0 {
		elapsed := now.Sub(l.batch.StartTime)
		perTask := elapsed / time.Duration(l.batch.CompletedTasks)
		remaining := time.Duration(l.remainingLocked()) * perTask
		eta := now.Add(remaining)
		l.batch.EstimatedCompletionTime = &eta
	}

	batchData, err := json.MarshalIndent(l.batch, "", "  ")
	if err != nil {
		l.persistFailures++
		return fmt.Errorf("%w: marshaling batch: %v", ErrPersistence, err)
	}
	tasksData, err := json.MarshalIndent(l.tasks, "", "  ")
	if err != nil {
		l.persistFailures++
		return fmt.Errorf("%w: marshaling tasks: %v", ErrPersistence, err)
	}

	if err := writeFileAtomic(l.tasksFile, tasksData); err != nil {
		l.persistFailures++
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := writeFileAtomic(l.progressFile, batchData); err != nil {
		l.persistFailures++
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	l.lastSaveTime = now
	return nil
}

// writeFileAtomic writes data to a sibling temp file and renames it into
// place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %v", tmp, err)
	}
	return nil
}

// PersistFailures reports how many persists have failed so far. Persist
// failures do not abort execution, so long unattended runs should surface
// this to an operator.
func (l *Ledger) PersistFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistFailures
}

// Cleanup removes the persisted ledger files. It refuses while any task is
// still pending or failed.
func (l *Ledger) Cleanup() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.remainingLocked() > 0 {
		return fmt.Errorf("%w: %d tasks remaining", ErrNotTerminal, l.remainingLocked())
	}
	for _, f := range []string{l.progressFile, l.tasksFile} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: removing %s: %v", ErrPersistence, f, err)
		}
	}
	l.logger.Info("Cleaned up progress files", zap.String("batch_id", l.batchID))
	return nil
}

// remainingLocked counts tasks that still need processing (pending or
// failed-and-retryable). Callers must hold l.mu.
func (l *Ledger) remainingLocked() int {
	n := 0
	for _, t := range l.tasks {
		if t.Status == StatusPending || t.Status == StatusFailed {
			n++
		}
	}
	return n
}

// GetPendingTasks returns tasks that still need processing, ordered by id.
func (l *Ledger) GetPendingTasks() []*Task {
	return l.tasksWithStatus(StatusPending)
}

// GetFailedTasks returns failed tasks that could be retried, ordered by id.
func (l *Ledger) GetFailedTasks() []*Task {
	return l.tasksWithStatus(StatusFailed)
}

func (l *Ledger) tasksWithStatus(status TaskStatus) []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Task
	for _, t := range l.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// GetRemainingTaskCount returns the number of pending plus failed tasks.
func (l *Ledger) GetRemainingTaskCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked()
}

// Task returns a copy of the task with the given id.
func (l *Ledger) Task(taskID string) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Batch returns a copy of the batch aggregate, or false before
// initialization.
func (l *Ledger) Batch() (Batch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.batch == nil {
		return Batch{}, false
	}
	return *l.batch, true
}

// SetCurrentWorkers records the last known pool size on the aggregate for
// reporting continuity. The live controller owns the true value.
func (l *Ledger) SetCurrentWorkers(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.batch != nil {
		l.batch.CurrentWorkers = n
	}
}

// ProgressSummary builds the caller-facing progress view.
func (l *Ledger) ProgressSummary() ProgressSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.batch == nil {
		return ProgressSummary{}
	}

	elapsed := time.Since(l.batch.StartTime)
	pct := 0.0
	if l.batch.TotalTasks > 0 {
		pct = float64(l.batch.CompletedTasks) / float64(l.batch.TotalTasks) * 100
	}
	eta := "Unknown"
	if l.batch.EstimatedCompletionTime != nil {
		if rem := time.Until(*l.batch.EstimatedCompletionTime); rem > 0 {
			eta = fmt.Sprintf("%.1f hours", rem.Hours())
		}
	}
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(l.batch.CompletedTasks) / elapsed.Hours()
	}

	return ProgressSummary{
		BatchID:            l.batch.BatchID,
		TotalTasks:         l.batch.TotalTasks,
		Completed:          l.batch.CompletedTasks,
		Failed:             l.batch.FailedTasks,
		Skipped:            l.batch.SkippedTasks,
		Remaining:          l.remainingLocked(),
		CompletionPercent:  pct,
		ElapsedHours:       elapsed.Hours(),
		EstimatedRemaining: eta,
		ThroughputPerHour:  throughput,
		CurrentWorkers:     l.batch.CurrentWorkers,
	}
}
