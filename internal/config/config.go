package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/SimonDedman/sharktrack/internal/reporting"
)

// WorkerSettings holds the concurrency controller's tuning parameters.
type WorkerSettings struct {
	// Initial of 0 means "auto": derive from detected hardware.
	Initial                int           `yaml:"initial"`
	Min                    int           `yaml:"min"`
	Max                    int           `yaml:"max"`
	TargetCPUPercent       float64       `yaml:"target_cpu_percent"`
	AdjustmentInterval     time.Duration `yaml:"adjustment_interval"`
	MemoryPercentPerWorker float64       `yaml:"memory_percent_per_worker"`
}

// ReportingSettings holds optional NATS status publishing configuration.
type ReportingSettings struct {
	Enabled bool             `yaml:"enabled"`
	Nats    reporting.Config `yaml:"nats"`
}

// Config holds the application configuration for the batch runner.
type Config struct {
	BatchName   string `yaml:"batch_name"`
	InputDir    string `yaml:"input_dir"`
	OutputDir   string `yaml:"output_dir"`
	ProgressDir string `yaml:"progress_dir"`
	LogLevel    string `yaml:"log_level"`

	// VideoExtensions is the discovery allow-list, matched
	// case-insensitively against file extensions.
	VideoExtensions []string `yaml:"video_extensions"`

	// TaskCommand is the argv template run per task; {input} and {output}
	// are substituted with the task's paths.
	TaskCommand []string `yaml:"task_command"`

	AutoSaveInterval     time.Duration `yaml:"auto_save_interval"`
	StaleProcessingAfter time.Duration `yaml:"stale_processing_after"`
	NvidiaSmiPath        string        `yaml:"nvidia_smi_path"`

	Workers   WorkerSettings    `yaml:"workers"`
	Reporting ReportingSettings `yaml:"reporting"`
}

// defaultConfig returns the baseline configuration.
func defaultConfig() *Config {
	return &Config{
		BatchName:   "bruv-batch",
		ProgressDir: "progress",
		LogLevel:    "info",
		VideoExtensions: []string{
			".mp4", ".mov", ".avi",
		},
		TaskCommand: []string{
			"ffmpeg", "-y", "-i", "{input}", "-c:v", "libx264", "-preset", "fast", "{output}",
		},
		AutoSaveInterval:     30 * time.Second,
		StaleProcessingAfter: time.Hour,
		NvidiaSmiPath:        "nvidia-smi",
		Workers: WorkerSettings{
			Min:                    1,
			Max:                    16,
			TargetCPUPercent:       80.0,
			AdjustmentInterval:     5 * time.Second,
			MemoryPercentPerWorker: 8.0,
		},
		Reporting: ReportingSettings{
			Nats: reporting.Config{
				URL:             "nats://localhost:4222",
				ConnectTimeout:  5 * time.Second,
				ReconnectWait:   3 * time.Second,
				MaxReconnects:   -1,
				StatusSubject:   "sharktrack.batch.status",
				ProgressSubject: "sharktrack.batch.progress",
			},
		},
	}
}

// LoadConfig reads configuration from the given YAML file path, creating a
// default config file if none exists.
func LoadConfig(path string, logger *zap.Logger) (*Config, error) {
	defaults := defaultConfig()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaults)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		logger.Info("Default configuration file created", zap.String("path", path))
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaults)
	return &cfg, nil
}

// applyDefaultsIfNotSet fills zero-valued fields from the defaults.
func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.BatchName == "" {
		cfg.BatchName = defaults.BatchName
	}
	if cfg.ProgressDir == "" {
		cfg.ProgressDir = defaults.ProgressDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if len(cfg.VideoExtensions) == 0 {
		cfg.VideoExtensions = defaults.VideoExtensions
	}
	if len(cfg.TaskCommand) == 0 {
		cfg.TaskCommand = defaults.TaskCommand
	}
	if cfg.AutoSaveInterval == 0 {
		cfg.AutoSaveInterval = defaults.AutoSaveInterval
	}
	if cfg.StaleProcessingAfter == 0 {
		cfg.StaleProcessingAfter = defaults.StaleProcessingAfter
	}
	if cfg.NvidiaSmiPath == "" {
		cfg.NvidiaSmiPath = defaults.NvidiaSmiPath
	}
	if cfg.Workers.Min == 0 {
		cfg.Workers.Min = defaults.Workers.Min
	}
	if cfg.Workers.Max == 0 {
		cfg.Workers.Max = defaults.Workers.Max
	}
	if cfg.Workers.TargetCPUPercent == 0 {
		cfg.Workers.TargetCPUPercent = defaults.Workers.TargetCPUPercent
	}
	if cfg.Workers.AdjustmentInterval == 0 {
		cfg.Workers.AdjustmentInterval = defaults.Workers.AdjustmentInterval
	}
	if cfg.Workers.MemoryPercentPerWorker == 0 {
		cfg.Workers.MemoryPercentPerWorker = defaults.Workers.MemoryPercentPerWorker
	}
	if cfg.Reporting.Nats.URL == "" {
		cfg.Reporting.Nats.URL = defaults.Reporting.Nats.URL
	}
	if cfg.Reporting.Nats.ConnectTimeout == 0 {
		cfg.Reporting.Nats.ConnectTimeout = defaults.Reporting.Nats.ConnectTimeout
	}
	if cfg.Reporting.Nats.ReconnectWait == 0 {
		cfg.Reporting.Nats.ReconnectWait = defaults.Reporting.Nats.ReconnectWait
	}
	if cfg.Reporting.Nats.MaxReconnects == 0 {
		cfg.Reporting.Nats.MaxReconnects = defaults.Reporting.Nats.MaxReconnects
	}
	if cfg.Reporting.Nats.StatusSubject == "" {
		cfg.Reporting.Nats.StatusSubject = defaults.Reporting.Nats.StatusSubject
	}
	if cfg.Reporting.Nats.ProgressSubject == "" {
		cfg.Reporting.Nats.ProgressSubject = defaults.Reporting.Nats.ProgressSubject
	}
}

// SaveConfig writes the current configuration to the specified path,
// overwriting any existing file.
func SaveConfig(cfg *Config, path string, logger *zap.Logger) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	logger.Info("Configuration saved", zap.String("path", path))
	return nil
}
