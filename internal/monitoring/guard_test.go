package monitoring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardWithMemory(cfg Config, used float64, err error) *Guard {
	g := NewGuard(cfg)
	g.memFunc = func(context.Context) (float64, error) { return used, err }
	return g
}

func TestGuard_StopFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EMERGENCY_STOP")
	g := guardWithMemory(Config{StopFile: path}, 0, nil)
	require.NoError(t, g.Check(context.Background()))

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	err := g.Check(context.Background())
	assert.ErrorIs(t, err, ErrEmergencyStop)
}

func TestGuard_Memory(t *testing.T) {
	cfg := Config{MemoryWarnPercent: 85, MemoryStopPercent: 95}

	assert.NoError(t, guardWithMemory(cfg, 40, nil).Check(context.Background()))
	assert.NoError(t, guardWithMemory(cfg, 90, nil).Check(context.Background()), "warning only")
	assert.ErrorIs(t, guardWithMemory(cfg, 95, nil).Check(context.Background()), ErrResourceExhausted)
}

func TestGuard_MemoryReadFailureDoesNotStop(t *testing.T) {
	g := guardWithMemory(Config{MemoryStopPercent: 95}, 0, errors.New("no procfs"))
	assert.NoError(t, g.Check(context.Background()))
}

func TestGuard_Disabled(t *testing.T) {
	g := guardWithMemory(Config{}, 100, nil)
	assert.NoError(t, g.Check(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "EMERGENCY_STOP", cfg.StopFile)
	assert.Equal(t, 85.0, cfg.MemoryWarnPercent)
	assert.Equal(t, 95.0, cfg.MemoryStopPercent)
}
