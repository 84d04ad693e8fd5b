package osgrep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnvDefaults(t *testing.T) {
	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, defaultWorkerCount, cfg.WorkerCount)
	assert.Equal(t, defaultWorkerTimeoutMS, cfg.WorkerTimeoutMS)
	assert.Equal(t, defaultWorkerTaskTimeoutMS, cfg.WorkerTaskTimeoutMS)
	assert.Equal(t, defaultVectorCacheMax, cfg.VectorCacheMax)
	assert.False(t, cfg.SingleWorker)
}

func TestNewFromEnvOverrides(t *testing.T) {
	t.Setenv("OSGREP_WORKER_COUNT", "3")
	t.Setenv("OSGREP_VECTOR_CACHE_MAX", "500")

	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, 500, cfg.VectorCacheMax)
}

func TestNewFromEnvWorkerCountClampsToHardCap(t *testing.T) {
	t.Setenv("OSGREP_WORKER_COUNT", "8")

	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, HardCapWorkerCount, cfg.WorkerCount)
}

func TestNewFromEnvSingleWorkerOverridesCount(t *testing.T) {
	t.Setenv("OSGREP_WORKER_COUNT", "8")
	t.Setenv("OSGREP_SINGLE_WORKER", "true")

	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.True(t, cfg.SingleWorker)
}

func TestNewFromEnvInvalidWorkerCount(t *testing.T) {
	t.Setenv("OSGREP_WORKER_COUNT", "not-a-number")
	_, err := NewFromEnv()
	assert.Error(t, err)
}
