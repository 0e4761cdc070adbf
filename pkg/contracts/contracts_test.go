package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateDigestNormalizesContent(t *testing.T) {
	composed := Candidate{Content: "caf\u00e9"}
	decomposed := Candidate{Content: "cafe\u0301"}

	assert.Equal(t, composed.Digest(), decomposed.Digest())
	assert.Contains(t, composed.Digest(), "sha256:")
}

func TestPhaseBestPrefersEarliestOnTie(t *testing.T) {
	p := &Phase{History: []IterationRecord{
		{Iteration: 1, Candidate: &Candidate{Iteration: 1}, Verdict: &Verdict{Average: 8.0}},
		{Iteration: 2, GenerationError: "timeout"},
		{Iteration: 3, Candidate: &Candidate{Iteration: 3}, Verdict: &Verdict{Average: 8.5}},
		{Iteration: 4, Candidate: &Candidate{Iteration: 4}, Verdict: &Verdict{Average: 8.5}},
	}}

	best := p.Best()
	require.NotNil(t, best)
	assert.Equal(t, 3, best.Iteration)
}

func TestPhaseBestNilWithoutVerdicts(t *testing.T) {
	p := &Phase{History: []IterationRecord{{Iteration: 1, GenerationError: "boom"}}}
	assert.Nil(t, p.Best())
}

func TestPhaseLastFeedbackSkipsGenerationFailures(t *testing.T) {
	p := &Phase{History: []IterationRecord{
		{Iteration: 1, Candidate: &Candidate{Iteration: 1}, Verdict: &Verdict{MergedFeedback: "tighten act two"}},
		{Iteration: 2, GenerationError: "timeout"},
	}}

	fb, from := p.LastFeedback()
	assert.Equal(t, "tighten act two", fb)
	assert.Equal(t, 1, from)
	assert.Equal(t, 1, p.LastCandidate().Iteration)
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.False(t, SessionPaused.Terminal())
	assert.False(t, SessionRunning.Terminal())
}
