package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically records process-level telemetry (RSS, CPU)
// into the Prometheus gauges. Purely observational; failures are logged
// and sampling continues.
type SystemSampler struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger
}

// NewSystemSampler creates a sampler for the current process.
func NewSystemSampler(interval time.Duration, logger zerolog.Logger) (*SystemSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemSampler{
		proc:     proc,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run samples until ctx is cancelled. Call in its own goroutine.
func (s *SystemSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	if mem, err := s.proc.MemoryInfo(); err == nil {
		ProcessRSSBytes.Set(float64(mem.RSS))
	} else {
		s.logger.Debug().Err(err).Msg("Failed to sample process memory")
	}

	if cpu, err := s.proc.CPUPercent(); err == nil {
		ProcessCPUPercent.Set(cpu)
	} else {
		s.logger.Debug().Err(err).Msg("Failed to sample process CPU")
	}
}
