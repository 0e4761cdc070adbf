package tribunal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/dispatch"
)

type stubEvaluator struct {
	name     string
	score    float64
	feedback string
	suggest  []string
	err      error
	delay    time.Duration
}

func (s stubEvaluator) Name() string { return s.name }

func (s stubEvaluator) Evaluate(ctx context.Context, _ contracts.Candidate, _ contracts.Criteria) (contracts.Evaluation, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return contracts.Evaluation{}, ctx.Err()
		}
	}
	if s.err != nil {
		return contracts.Evaluation{}, s.err
	}
	return contracts.Evaluation{
		Score:       s.score,
		Feedback:    s.feedback,
		Suggestions: s.suggest,
		Timestamp:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func panel(scores ...float64) []contracts.Evaluator {
	names := []string{"technical", "narrative", "audience", "fourth", "fifth"}
	out := make([]contracts.Evaluator, len(scores))
	for i, s := range scores {
		out[i] = stubEvaluator{name: names[i], score: s, feedback: fmt.Sprintf("%s notes", names[i])}
	}
	return out
}

func criteria(threshold float64) contracts.Criteria {
	return contracts.Criteria{Phase: "script", Threshold: threshold}
}

func TestEvaluate_UnanimityRequired(t *testing.T) {
	tr := New()

	v, err := tr.Evaluate(context.Background(), contracts.Candidate{Iteration: 1}, panel(9.5, 9.2, 8.9), criteria(9.0))
	require.NoError(t, err)
	assert.False(t, v.Accept, "one score below threshold rejects")
	assert.Equal(t, []string{"audience"}, v.Failing)
	assert.Equal(t, "[audience] (8.9/10) audience notes", v.MergedFeedback)
	assert.InDelta(t, 8.9, v.MinScore, 0.0001)

	v, err = tr.Evaluate(context.Background(), contracts.Candidate{Iteration: 2}, panel(9.5, 9.2, 9.0), criteria(9.0))
	require.NoError(t, err)
	assert.True(t, v.Accept, "scores equal to the threshold pass")
	assert.Empty(t, v.MergedFeedback)
	assert.InDelta(t, 9.2333, v.Average, 0.001)
}

func TestEvaluate_FeedbackInDeclarationOrder(t *testing.T) {
	evaluators := []contracts.Evaluator{
		stubEvaluator{name: "technical", score: 7, feedback: "pacing", suggest: []string{"cut scene 3"}, delay: 30 * time.Millisecond},
		stubEvaluator{name: "narrative", score: 9.5, feedback: "fine"},
		stubEvaluator{name: "audience", score: 8, feedback: "hook is weak"},
	}

	v, err := New().Evaluate(context.Background(), contracts.Candidate{}, evaluators, criteria(9.0))
	require.NoError(t, err)

	assert.Equal(t, "[technical] (7.0/10) pacing\n  - cut scene 3\n\n[audience] (8.0/10) hook is weak", v.MergedFeedback)
	require.Len(t, v.Evaluations, 3)
	assert.Equal(t, "technical", v.Evaluations[0].Evaluator)
	assert.Equal(t, "audience", v.Evaluations[2].Evaluator)
	assert.Equal(t, []string{"technical", "audience"}, v.Failing)
}

func TestEvaluate_Deterministic(t *testing.T) {
	tr := New()
	c := contracts.Candidate{Iteration: 3, CreatedAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)}
	evaluators := append(panel(6, 9.5, 7.5), stubEvaluator{name: "fourth", err: errors.New("boom")})

	first, err := tr.Evaluate(context.Background(), c, evaluators, criteria(9.0))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := tr.Evaluate(context.Background(), c, evaluators, criteria(9.0))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluate_EvaluatorFailureIsAutoReject(t *testing.T) {
	evaluators := []contracts.Evaluator{
		stubEvaluator{name: "technical", score: 10},
		stubEvaluator{name: "narrative", err: fmt.Errorf("%w: malformed response", contracts.ErrEvaluator)},
	}

	v, err := New().Evaluate(context.Background(), contracts.Candidate{}, evaluators, criteria(5))
	require.NoError(t, err, "an evaluator fault is a judgement, not an interruption")
	assert.False(t, v.Accept)
	assert.True(t, v.Evaluations[1].Unavailable)
	assert.Equal(t, UnavailableFeedback, v.Evaluations[1].Feedback)
	assert.Contains(t, v.MergedFeedback, "[narrative]")
	assert.Contains(t, v.MergedFeedback, UnavailableFeedback)
}

func TestEvaluate_OutOfRangeScoreIsAutoReject(t *testing.T) {
	v, err := New().Evaluate(context.Background(), contracts.Candidate{}, panel(9.5, 11), criteria(9))
	require.NoError(t, err)
	assert.False(t, v.Accept)
	assert.True(t, v.Evaluations[1].Unavailable)
}

func TestEvaluate_QuotaFailureIsInterruption(t *testing.T) {
	evaluators := []contracts.Evaluator{
		stubEvaluator{name: "technical", score: 9.5},
		stubEvaluator{name: "narrative", err: fmt.Errorf("critic call: %w", dispatch.ErrAllCredentialsExhausted)},
	}

	v, err := New().Evaluate(context.Background(), contracts.Candidate{}, evaluators, criteria(9))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, dispatch.IsQuota(err))
	assert.False(t, v.Accept)
}

func TestEvaluate_DeadlineIsInterruption(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	blocking := evaluatorFunc{name: "narrative", fn: func(ctx context.Context) (contracts.Evaluation, error) {
		<-ctx.Done()
		return contracts.Evaluation{}, ctx.Err()
	}}

	_, err := New().Evaluate(ctx, contracts.Candidate{}, []contracts.Evaluator{blocking}, criteria(9))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvaluate_EvaluatorOwnTimeoutIsRejection(t *testing.T) {
	slow := evaluatorFunc{name: "narrative", fn: func(context.Context) (contracts.Evaluation, error) {
		return contracts.Evaluation{}, fmt.Errorf("critic call: %w", context.DeadlineExceeded)
	}}

	v, err := New().Evaluate(context.Background(), contracts.Candidate{}, []contracts.Evaluator{slow}, criteria(9))
	require.NoError(t, err)
	assert.False(t, v.Accept)
	assert.Equal(t, UnavailableFeedback, v.Evaluations[0].Feedback)
}

func TestEvaluate_RunsConcurrently(t *testing.T) {
	var inFlight, peak int32
	mk := func(name string) contracts.Evaluator {
		return evaluatorFunc{name: name, fn: func(ctx context.Context) (contracts.Evaluation, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(40 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return contracts.Evaluation{Score: 9.5}, nil
		}}
	}

	v, err := New().Evaluate(context.Background(), contracts.Candidate{}, []contracts.Evaluator{mk("a"), mk("b"), mk("c")}, criteria(9))
	require.NoError(t, err)
	assert.True(t, v.Accept)
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

type evaluatorFunc struct {
	name string
	fn   func(ctx context.Context) (contracts.Evaluation, error)
}

func (e evaluatorFunc) Name() string { return e.name }

func (e evaluatorFunc) Evaluate(ctx context.Context, _ contracts.Candidate, _ contracts.Criteria) (contracts.Evaluation, error) {
	return e.fn(ctx)
}

func TestEvaluate_InvalidInputs(t *testing.T) {
	tr := New()
	_, err := tr.Evaluate(context.Background(), contracts.Candidate{}, nil, criteria(9))
	require.ErrorIs(t, err, ErrNoEvaluators)

	_, err = tr.Evaluate(context.Background(), contracts.Candidate{}, panel(9), criteria(10.5))
	require.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = tr.Evaluate(context.Background(), contracts.Candidate{}, panel(9), criteria(-1))
	require.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestEvaluate_PolicyCanOnlyVeto(t *testing.T) {
	policy, err := NewPolicy(`verdict.average >= 9.5 && verdict.scores["narrative"] >= 9.0`)
	require.NoError(t, err)
	tr := New(WithPolicy(policy))

	v, err := tr.Evaluate(context.Background(), contracts.Candidate{}, panel(9.1, 9.2, 9.3), criteria(9))
	require.NoError(t, err)
	assert.False(t, v.Accept, "unanimous but average below policy")
	assert.Equal(t, policy.Expression(), v.PolicyVeto)
	assert.Contains(t, v.MergedFeedback, "[policy]")
	assert.Equal(t, []string{PolicyReviewer}, v.Failing)

	v, err = tr.Evaluate(context.Background(), contracts.Candidate{}, panel(9.8, 9.6, 9.7), criteria(9))
	require.NoError(t, err)
	assert.True(t, v.Accept)

	permissive, err := NewPolicy(`true`)
	require.NoError(t, err)
	v, err = New(WithPolicy(permissive)).Evaluate(context.Background(), contracts.Candidate{}, panel(9.8, 5), criteria(9))
	require.NoError(t, err)
	assert.False(t, v.Accept, "policy cannot override a rejection")
}

func TestNewPolicy_CompileError(t *testing.T) {
	_, err := NewPolicy(`verdict.average >=`)
	require.Error(t, err)
}

func TestWorst(t *testing.T) {
	v := Aggregate([]contracts.Evaluation{
		{Evaluator: "a", Score: 8},
		{Evaluator: "b", Score: 6},
		{Evaluator: "c", Score: 6},
	}, 9)
	w, ok := Worst(v)
	require.True(t, ok)
	assert.Equal(t, "b", w.Evaluator)

	_, ok = Worst(contracts.Verdict{})
	assert.False(t, ok)
}

func TestFormatReport(t *testing.T) {
	v := Aggregate([]contracts.Evaluation{
		{Evaluator: "technical", Score: 9.5, Feedback: "clean"},
		{Evaluator: "narrative", Score: 7, Feedback: "flat ending", Suggestions: []string{"raise the stakes"}},
	}, 9)

	report := FormatReport("script", 2, v)
	assert.Contains(t, report, "ITERATION 2 - SCRIPT TRIBUNAL VERDICT")
	assert.Contains(t, report, "RESULT: REJECTED")
	assert.Contains(t, report, "✓ [technical] 9.5/10")
	assert.Contains(t, report, "✗ [narrative] 7.0/10")
	assert.Contains(t, report, "FAILING EVALUATORS: narrative")
	assert.Contains(t, report, "PRIORITY ACTIONS:\n1. raise the stakes")

	v = Aggregate([]contracts.Evaluation{{Evaluator: "technical", Score: 9.5}}, 9)
	assert.Contains(t, FormatReport("script", 1, v), "RESULT: APPROVED")
}
