package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/executor"
	"github.com/SimonDedman/sharktrack/internal/ledger"
)

func TestNewRejectsEmptyTemplate(t *testing.T) {
	_, err := executor.New(nil, zap.NewNop())
	require.Error(t, err)
}

func TestNewRequiresInputPlaceholder(t *testing.T) {
	_, err := executor.New([]string{"ffmpeg", "-i", "video.mp4"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{input}")
}

func TestTaskFuncSubstitutesPlaceholdersAndRuns(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp4")
	output := filepath.Join(dir, "nested", "out.mp4")
	require.NoError(t, os.WriteFile(input, []byte("fake video"), 0644))

	ex, err := executor.New([]string{"cp", "{input}", "{output}"}, zap.NewNop())
	require.NoError(t, err)

	task := &ledger.Task{TaskID: "in_mp4", InputPath: input, OutputPath: output}
	got, err := ex.TaskFunc()(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, output, got)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "fake video", string(data), "output directory must be created and the command run")
}

func TestTaskFuncReportsCommandFailureWithStderr(t *testing.T) {
	dir := t.TempDir()
	task := &ledger.Task{
		TaskID:     "missing_mp4",
		InputPath:  filepath.Join(dir, "does-not-exist.mp4"),
		OutputPath: filepath.Join(dir, "out.mp4"),
	}

	ex, err := executor.New([]string{"cp", "{input}", "{output}"}, zap.NewNop())
	require.NoError(t, err)

	_, err = ex.TaskFunc()(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command failed")
	assert.Contains(t, err.Error(), "does-not-exist.mp4", "stderr tail must be part of the error")
}

func TestTaskFuncHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	task := &ledger.Task{
		TaskID:     "slow_mp4",
		InputPath:  filepath.Join(dir, "in.mp4"),
		OutputPath: filepath.Join(dir, "out.mp4"),
	}
	require.NoError(t, os.WriteFile(task.InputPath, []byte("x"), 0644))

	ex, err := executor.New([]string{"sh", "-c", "sleep 30 <{input}"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ex.TaskFunc()(ctx, task)
	require.Error(t, err)
}
