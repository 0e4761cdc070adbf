package deadlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
)

func rejected(averages ...float64) contracts.Phase {
	p := contracts.Phase{Name: "script", Threshold: 9.0}
	for i, avg := range averages {
		p.History = append(p.History, contracts.IterationRecord{
			Iteration: i + 1,
			Candidate: &contracts.Candidate{Iteration: i + 1},
			Verdict:   &contracts.Verdict{Average: avg},
		})
	}
	p.Iteration = len(averages)
	return p
}

func TestResolve_NearMissRelaxesOnce(t *testing.T) {
	b := New(DefaultPolicy())
	phase := rejected(8.1, 8.6, 8.7, 8.4, 8.2)

	res := b.Resolve(phase, 5)
	require.Equal(t, LowerThreshold, res.Decision)
	assert.InDelta(t, 8.5, res.NewThreshold, 0.0001)
	assert.Equal(t, 1, res.ExtraIterations)
	assert.Equal(t, 3, res.Best.Iteration)

	// After the one permitted relaxation, the next exhaustion force-accepts.
	phase.Threshold = res.NewThreshold
	phase.Relaxations = 1
	phase.History = append(phase.History, contracts.IterationRecord{
		Iteration: 6, Candidate: &contracts.Candidate{Iteration: 6}, Verdict: &contracts.Verdict{Average: 8.3},
	})
	res = b.Resolve(phase, 6)
	require.Equal(t, ForceAccept, res.Decision)
	assert.Equal(t, 3, res.Best.Iteration)
}

func TestResolve_FarBelowForceAcceptsBest(t *testing.T) {
	res := New(DefaultPolicy()).Resolve(rejected(6.0, 6.5, 5.0, 6.2, 6.1), 5)

	require.Equal(t, ForceAccept, res.Decision)
	assert.Equal(t, 2, res.Best.Iteration)
	assert.Zero(t, res.NewThreshold)
}

func TestResolve_NeverBelowFloor(t *testing.T) {
	phase := rejected(7.9)
	phase.Threshold = 8.0

	res := New(DefaultPolicy()).Resolve(phase, 1)
	assert.Equal(t, ForceAccept, res.Decision, "already at the floor")

	phase = rejected(8.1)
	phase.Threshold = 8.3
	res = New(DefaultPolicy()).Resolve(phase, 1)
	require.Equal(t, LowerThreshold, res.Decision)
	assert.InDelta(t, 8.0, res.NewThreshold, 0.0001, "clamped to the floor")
}

func TestResolve_NoEvaluatedCandidateFails(t *testing.T) {
	phase := contracts.Phase{Name: "script", Threshold: 9, History: []contracts.IterationRecord{
		{Iteration: 1, GenerationError: "timeout"},
		{Iteration: 2, GenerationError: "timeout"},
	}}

	res := New(DefaultPolicy()).Resolve(phase, 2)
	assert.Equal(t, FailPhase, res.Decision)
	assert.Nil(t, res.Best)

	res = New(DefaultPolicy()).Resolve(contracts.Phase{Threshold: 9}, 0)
	assert.Equal(t, FailPhase, res.Decision)
}

func TestResolve_RelaxationDisabled(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRelaxations = 0

	res := New(policy).Resolve(rejected(8.9), 1)
	assert.Equal(t, ForceAccept, res.Decision)
}
