package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff_ExponentialAndCapped(t *testing.T) {
	policy := BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, "x", 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, "x", 1))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff(policy, "x", 3))
	assert.Equal(t, time.Second, ComputeBackoff(policy, "x", 4))
	assert.Equal(t, time.Second, ComputeBackoff(policy, "x", 60))
}

func TestComputeBackoff_DeterministicJitter(t *testing.T) {
	policy := BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second, MaxJitter: 50 * time.Millisecond}

	a := ComputeBackoff(policy, "gemini:generate", 2)
	b := ComputeBackoff(policy, "gemini:generate", 2)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 400*time.Millisecond)
	assert.Less(t, a, 450*time.Millisecond)
}
