package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SimonDedman/sharktrack/internal/balancer"
	"github.com/SimonDedman/sharktrack/internal/config"
	"github.com/SimonDedman/sharktrack/internal/engine"
	"github.com/SimonDedman/sharktrack/internal/executor"
	"github.com/SimonDedman/sharktrack/internal/gpu"
	"github.com/SimonDedman/sharktrack/internal/ledger"
	"github.com/SimonDedman/sharktrack/internal/metrics"
	"github.com/SimonDedman/sharktrack/internal/reporting"
)

var (
	Version   = "dev"     // Injected at build time
	BuildDate = "unknown" // Injected at build time
)

var (
	configPath         = flag.String("config", filepath.Join("configs", "config.yaml"), "Path to the configuration file")
	inputDir           = flag.String("input", "", "Input root to discover tasks under (overrides config)")
	outputDir          = flag.String("output", "", "Output root for task results (overrides config)")
	batchName          = flag.String("batch-name", "", "Batch name (overrides config)")
	retryFailed        = flag.Bool("retry-failed", false, "Resubmit previously failed tasks as well as pending ones")
	progressJSON       = flag.Bool("progress-json", false, "Output current batch progress as JSON, then exit")
	systemOverviewJSON = flag.Bool("system-overview-json", false, "Output host hardware and utilization as JSON, then exit")
	cleanup            = flag.Bool("cleanup", false, "Remove the persisted ledger files for a finished batch, then exit")
	yes                = flag.Bool("yes", false, "Confirm destructive operations such as --cleanup")
)

func main() {
	flag.Parse()

	tempLogger, _ := setupLogger("info")
	cfg, err := config.LoadConfig(*configPath, tempLogger)
	if err != nil {
		tempLogger.Fatal("Failed to load configuration", zap.Error(err), zap.String("path", *configPath))
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		tempLogger.Fatal("Failed to setup logger with config level", zap.Error(err))
	}
	defer logger.Sync()

	if *inputDir != "" {
		cfg.InputDir = *inputDir
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *batchName != "" {
		cfg.BatchName = *batchName
	}

	if *systemOverviewJSON {
		handleSystemOverviewJSON(cfg, logger)
		return
	}

	if cfg.InputDir == "" || cfg.OutputDir == "" {
		logger.Fatal("Input and output directories are required (set in config or via --input/--output)")
	}

	led, err := ledger.New(ledger.Config{
		BatchName:            cfg.BatchName,
		InputDir:             cfg.InputDir,
		OutputDir:            cfg.OutputDir,
		ProgressDir:          cfg.ProgressDir,
		AutoSaveInterval:     cfg.AutoSaveInterval,
		StaleProcessingAfter: cfg.StaleProcessingAfter,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to construct ledger", zap.Error(err))
	}

	if *progressJSON {
		handleProgressJSON(led, logger)
		return
	}
	if *cleanup {
		handleCleanup(led, logger)
		return
	}

	runBatch(cfg, led, logger)
}

func runBatch(cfg *config.Config, led *ledger.Ledger, logger *zap.Logger) {
	logger.Info("Starting sharkbatch",
		zap.String("version", Version),
		zap.String("buildDate", BuildDate),
		zap.String("batch_name", cfg.BatchName),
		zap.String("batch_id", led.BatchID()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	predicate := extensionPredicate(cfg.VideoExtensions)

	loaded, err := led.LoadExistingProgress()
	if err != nil {
		logger.Fatal("Existing ledger is unreadable; move it aside or fix it before retrying", zap.Error(err))
	}
	if loaded {
		if invalid := led.VerifyCompletedTasks(); len(invalid) > 0 {
			logger.Info("Reset completed tasks with missing or truncated outputs", zap.Int("count", len(invalid)))
		}
		logger.Info("Resuming existing batch", zap.Int("remaining", led.GetRemainingTaskCount()))
	} else {
		if _, err := led.InitializeNewBatch(predicate); err != nil {
			logger.Fatal("Failed to initialize batch", zap.Error(err))
		}
	}

	gpuProbe := gpu.NewProbe(cfg.NvidiaSmiPath, logger)
	sampler := metrics.NewSampler(0, gpuProbe, logger)

	initial := cfg.Workers.Initial
	if initial == 0 {
		hw := metrics.DetectHardware(ctx, gpuProbe, logger)
		initial = metrics.RecommendWorkers(hw)
		logger.Info("Auto-sized initial worker count",
			zap.Int("workers", initial),
			zap.Int("cpu_cores", hw.PhysicalCores),
			zap.Float64("memory_gb", hw.MemoryGB),
			zap.Bool("gpu_available", hw.GPUAvailable),
		)
	}

	bal, err := balancer.New(balancer.Config{
		InitialWorkers:         initial,
		MinWorkers:             cfg.Workers.Min,
		MaxWorkers:             cfg.Workers.Max,
		TargetCPUPercent:       cfg.Workers.TargetCPUPercent,
		AdjustmentInterval:     cfg.Workers.AdjustmentInterval,
		MemoryPercentPerWorker: cfg.Workers.MemoryPercentPerWorker,
	}, sampler, logger)
	if err != nil {
		logger.Fatal("Invalid worker configuration", zap.Error(err))
	}

	var reporter engine.StatusPublisher
	if cfg.Reporting.Enabled {
		client, err := reporting.NewClient(cfg.Reporting.Nats, logger)
		if err != nil {
			logger.Warn("Status publishing disabled: NATS connection failed", zap.Error(err))
		} else {
			defer client.Close()
			reporter = client
		}
	}

	cmdExec, err := executor.New(cfg.TaskCommand, logger)
	if err != nil {
		logger.Fatal("Invalid task command", zap.Error(err))
	}

	tasks := led.GetPendingTasks()
	if *retryFailed {
		tasks = append(tasks, led.GetFailedTasks()...)
	}
	if len(tasks) == 0 {
		logger.Info("Nothing to do: no pending tasks", zap.String("batch_id", led.BatchID()))
		printSummary(led, logger)
		return
	}

	eng := engine.New(led, sampler, bal, reporter, logger)
	_, runErr := eng.Run(ctx, cmdExec.TaskFunc(), tasks)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Batch run ended with error", zap.Error(runErr))
	}
	if errors.Is(runErr, context.Canceled) {
		logger.Info("Batch interrupted; progress persisted for resumption", zap.String("batch_id", led.BatchID()))
	}

	if report := eng.Report(); report != nil {
		logger.Info("Performance report",
			zap.Duration("total_processing_time", report.TotalProcessingTime),
			zap.Int("tasks_completed", report.TasksCompleted),
			zap.Int("tasks_failed", report.TasksFailed),
			zap.Int("tasks_skipped", report.TasksSkipped),
			zap.Float64("average_throughput_per_sec", report.AverageThroughput),
			zap.Float64("average_cpu_usage", report.AverageCPUPercent),
			zap.Float64("average_memory_usage", report.AverageMemoryPercent),
			zap.Int("worker_adjustments", report.WorkerAdjustments),
			zap.Int("final_worker_count", report.FinalWorkerCount),
		)
	}
	if failures := led.PersistFailures(); failures > 0 {
		logger.Warn("Some ledger persists failed during the run; progress may be stale on disk", zap.Int("failures", failures))
	}
	printSummary(led, logger)
}

func printSummary(led *ledger.Ledger, logger *zap.Logger) {
	s := led.ProgressSummary()
	logger.Info("Batch progress",
		zap.String("batch_id", s.BatchID),
		zap.Int("total", s.TotalTasks),
		zap.Int("completed", s.Completed),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Int("remaining", s.Remaining),
		zap.Float64("percent", s.CompletionPercent),
		zap.String("eta", s.EstimatedRemaining),
	)
}

func handleProgressJSON(led *ledger.Ledger, logger *zap.Logger) {
	loaded, err := led.LoadExistingProgress()
	if err != nil {
		outputJSONError(fmt.Sprintf("Failed to load progress: %v", err), logger)
	}
	if !loaded {
		outputJSONError("No persisted progress found for this batch", logger)
	}
	outputJSON(led.ProgressSummary(), logger)
}

func handleCleanup(led *ledger.Ledger, logger *zap.Logger) {
	if !*yes {
		outputJSONError("--cleanup removes persisted progress; re-run with --yes to confirm", logger)
	}
	loaded, err := led.LoadExistingProgress()
	if err != nil {
		outputJSONError(fmt.Sprintf("Failed to load progress: %v", err), logger)
	}
	if !loaded {
		outputJSONError("No persisted progress found for this batch", logger)
	}
	if err := led.Cleanup(); err != nil {
		outputJSONError(fmt.Sprintf("Cleanup refused: %v", err), logger)
	}
	outputJSON(map[string]string{"status": "success", "message": "Progress files removed."}, logger)
}

func handleSystemOverviewJSON(cfg *config.Config, logger *zap.Logger) {
	ctx := context.Background()
	gpuProbe := gpu.NewProbe(cfg.NvidiaSmiPath, logger)
	sampler := metrics.NewSampler(0, gpuProbe, logger)

	hw := metrics.DetectHardware(ctx, gpuProbe, logger)
	snapshot := sampler.Sample(ctx, 0, 0)

	overview := struct {
		Hardware           metrics.HardwareInfo `json:"hardware"`
		CPUAverage         float64              `json:"cpu_usage_percent"`
		MemoryPercent      float64              `json:"memory_usage_percent"`
		GPUPercent         *float64             `json:"gpu_usage_percent,omitempty"`
		RecommendedWorkers int                  `json:"recommended_workers"`
	}{
		Hardware:           hw,
		CPUAverage:         snapshot.CPUAverage,
		MemoryPercent:      snapshot.MemoryPercent,
		GPUPercent:         snapshot.GPUPercent,
		RecommendedWorkers: metrics.RecommendWorkers(hw),
	}
	outputJSON(overview, logger)
}

// extensionPredicate builds the discovery allow-list predicate from
// configured file extensions, matched case-insensitively.
func extensionPredicate(extensions []string) func(path string) bool {
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return func(path string) bool {
		_, ok := allowed[strings.ToLower(filepath.Ext(path))]
		return ok
	}
}

func outputJSON(data interface{}, logger *zap.Logger) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		logger.Error("Failed to marshal data to JSON for CLI output", zap.Error(err))
		fmt.Fprintf(os.Stdout, `{"error": "Failed to marshal data to JSON: %s"}`+"\n", err.Error())
		os.Exit(1)
	}
	fmt.Println(string(jsonData))
	os.Exit(0)
}

func outputJSONError(message string, logger *zap.Logger) {
	logger.Error("CLI command error", zap.String("error_message", message))
	errorData := map[string]string{"error": message}
	jsonData, err := json.Marshal(errorData)
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"error": "Failed to marshal error message to JSON. Original error: %s"}`+"\n", message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, string(jsonData))
	os.Exit(1)
}

func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	switch levelString {
	case "debug":
		logLevel = zapcore.DebugLevel
	case "info":
		logLevel = zapcore.InfoLevel
	case "warn":
		logLevel = zapcore.WarnLevel
	case "error":
		logLevel = zapcore.ErrorLevel
	default:
		fmt.Fprintf(os.Stderr, "Invalid log level specified: %s. Defaulting to info.\n", levelString)
		logLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(logLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
