package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/engine"
	"github.com/SimonDedman/sharktrack/internal/ledger"
)

// CommandExecutor turns a command template into an engine task function.
// The template is an argv whose {input} and {output} placeholders are
// substituted per task, e.g.
//
//	["ffmpeg", "-y", "-i", "{input}", "-c:v", "libx264", "{output}"]
//
// The engine treats the task body as opaque; this executor is what the
// bundled CLI wires in.
type CommandExecutor struct {
	template []string
	logger   *zap.Logger
}

// New validates the template and creates a CommandExecutor.
func New(template []string, logger *zap.Logger) (*CommandExecutor, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("command template cannot be empty")
	}
	hasInput := false
	for _, arg := range template {
		if strings.Contains(arg, "{input}") {
			hasInput = true
			break
		}
	}
	if !hasInput {
		return nil, fmt.Errorf("command template must reference {input}")
	}
	return &CommandExecutor{
		template: template,
		logger:   logger,
	}, nil
}

// TaskFunc returns the engine task function that runs the command for each
// task. The subprocess inherits the run's cancellation context; any
// execution timeout belongs in the command itself.
func (e *CommandExecutor) TaskFunc() engine.TaskFunc {
	return func(ctx context.Context, task *ledger.Task) (string, error) {
		if err := os.MkdirAll(filepath.Dir(task.OutputPath), 0755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}

		argv := make([]string, len(e.template))
		for i, arg := range e.template {
			arg = strings.ReplaceAll(arg, "{input}", task.InputPath)
			arg = strings.ReplaceAll(arg, "{output}", task.OutputPath)
			argv[i] = arg
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		start := time.Now()
		e.logger.Debug("Executing task command",
			zap.String("task_id", task.TaskID),
			zap.Strings("argv", argv),
		)
		err := cmd.Run()
		duration := time.Since(start)

		if err != nil {
			return "", fmt.Errorf("command failed after %v: %v: %s", duration.Round(time.Millisecond), err, tail(stderr.String(), 512))
		}
		e.logger.Debug("Task command finished",
			zap.String("task_id", task.TaskID),
			zap.Duration("duration", duration),
		)
		return task.OutputPath, nil
	}
}

// tail returns the last maxLen bytes of s, for error messages.
func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "... " + s[len(s)-maxLen:]
}
