package monitoring

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

var (
	// ErrEmergencyStop is returned while the stop file exists.
	ErrEmergencyStop = eris.New("monitoring: emergency stop requested")
	// ErrResourceExhausted is returned when host memory is above the stop
	// threshold.
	ErrResourceExhausted = eris.New("monitoring: host memory exhausted")
)

// Guard decides whether the next window may start.
type Guard struct {
	cfg Config
	log *zap.Logger

	// memFunc reports host memory usage in percent; tests replace it.
	memFunc func(ctx context.Context) (float64, error)
}

// NewGuard creates a Guard.
func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "monitoring.guard")),
		memFunc: hostMemory,
	}
}

func hostMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: read host memory")
	}
	return vm.UsedPercent, nil
}

// Check returns ErrEmergencyStop or ErrResourceExhausted when the run must
// halt. A failed memory reading is logged and does not stop the run.
func (g *Guard) Check(ctx context.Context) error {
	if g.cfg.StopFile != "" {
		if _, err := os.Stat(g.cfg.StopFile); err == nil {
			g.log.Warn("emergency stop file present", zap.String("path", g.cfg.StopFile))
			return eris.Wrapf(ErrEmergencyStop, "stop file %s", g.cfg.StopFile)
		}
	}

	if g.cfg.MemoryWarnPercent <= 0 && g.cfg.MemoryStopPercent <= 0 {
		return nil
	}
	used, err := g.memFunc(ctx)
	if err != nil {
		g.log.Warn("memory check failed", zap.Error(err))
		return nil
	}
	switch {
	case g.cfg.MemoryStopPercent > 0 && used >= g.cfg.MemoryStopPercent:
		g.log.Error("host memory above stop threshold",
			zap.Float64("used_percent", used),
			zap.Float64("threshold", g.cfg.MemoryStopPercent),
		)
		return eris.Wrapf(ErrResourceExhausted, "memory %.1f%%", used)
	case g.cfg.MemoryWarnPercent > 0 && used >= g.cfg.MemoryWarnPercent:
		g.log.Warn("host memory above warning threshold",
			zap.Float64("used_percent", used),
			zap.Float64("threshold", g.cfg.MemoryWarnPercent),
		)
	}
	return nil
}
