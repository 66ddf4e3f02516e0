package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = 2 * time.Second

// Probe queries GPU utilization through nvidia-smi. Hosts without the tool
// simply report no GPU signal; that is an omission, never an error.
type Probe struct {
	logger        *zap.Logger
	nvidiaSmiPath string
}

// NewProbe creates a Probe. An empty path defaults to "nvidia-smi" on
// PATH.
func NewProbe(nvidiaSmiPath string, logger *zap.Logger) *Probe {
	if nvidiaSmiPath == "" {
		nvidiaSmiPath = "nvidia-smi"
	}
	return &Probe{
		logger:        logger,
		nvidiaSmiPath: nvidiaSmiPath,
	}
}

// Utilization returns the current GPU utilization percentage and whether
// the host could provide it. Multi-GPU hosts report the first device.
func (p *Probe) Utilization(ctx context.Context) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.nvidiaSmiPath,
		"--query-gpu=utilization.gpu",
		"--format=csv,noheader,nounits",
	)
	out, err := cmd.Output()
	if err != nil {
		p.logger.Debug("GPU utilization query failed", zap.Error(err))
		return 0, false
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return 0, false
	}
	util, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil {
		p.logger.Debug("Unexpected nvidia-smi output", zap.String("output", lines[0]), zap.Error(err))
		return 0, false
	}
	return util, true
}

// Available reports whether GPU telemetry can be read at all.
func (p *Probe) Available(ctx context.Context) bool {
	_, ok := p.Utilization(ctx)
	return ok
}
