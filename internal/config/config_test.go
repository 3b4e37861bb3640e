package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvOverridesAndClamps(t *testing.T) {
	t.Setenv("AGENTRT_REDUCTION_FACTOR", "0.1") // below min, should clamp to 0.3
	t.Setenv("AGENTRT_RECOVERY_FACTOR", "5.0")  // above max, should clamp to 1.5
	t.Setenv("AGENTRT_MAX_TOTAL_ACTIVE_LLM", "7")
	t.Setenv("AGENTRT_RECOVERY_INTERVAL_MS", "1000") // below floor, should clamp to 60000

	c := FromEnv()

	assert.Equal(t, 0.3, c.ReductionFactor)
	assert.Equal(t, 1.5, c.RecoveryFactor)
	assert.Equal(t, 7, c.MaxTotalActiveLLM)
	assert.Equal(t, 60_000, c.RecoveryIntervalMs)
}

func TestDefaultIsInternallyConsistent(t *testing.T) {
	c := Default()
	assert.LessOrEqual(t, c.MaxParallelSubagentsPerRun, c.MaxTotalActiveLLM)
	assert.GreaterOrEqual(t, c.RecoveryIntervalMs, 60_000)
	assert.Equal(t, ParallelModeCurrent, c.DefaultParallelMode)
}
