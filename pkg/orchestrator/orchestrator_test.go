package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xggarcia/Curt-IA/pkg/artifacts"
	"github.com/xggarcia/Curt-IA/pkg/checkpoint"
	"github.com/xggarcia/Curt-IA/pkg/config"
	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/deadlock"
	"github.com/xggarcia/Curt-IA/pkg/dispatch"
	"github.com/xggarcia/Curt-IA/pkg/observability"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []contracts.GenerationRequest
	fail  func(req contracts.GenerationRequest) error
}

func (g *fakeGenerator) Produce(_ context.Context, req contracts.GenerationRequest) (contracts.Candidate, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.fail != nil {
		if err := g.fail(req); err != nil {
			return contracts.Candidate{}, fmt.Errorf("%w: %w", contracts.ErrGeneration, err)
		}
	}
	return contracts.Candidate{Content: fmt.Sprintf("%s draft %d", req.Phase, req.Iteration)}, nil
}

func (g *fakeGenerator) requests(phase string) []contracts.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []contracts.GenerationRequest
	for _, r := range g.calls {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	return out
}

type fakeEvaluator struct {
	name  string
	score func(iteration int) (float64, error)
}

func (e fakeEvaluator) Name() string { return e.name }

func (e fakeEvaluator) Evaluate(_ context.Context, c contracts.Candidate, _ contracts.Criteria) (contracts.Evaluation, error) {
	s, err := e.score(c.Iteration)
	if err != nil {
		return contracts.Evaluation{}, err
	}
	return contracts.Evaluation{Score: s, Feedback: e.name + " notes", Timestamp: c.CreatedAt}, nil
}

// byIteration scores iteration n with scores[n-1], repeating the last score.
func byIteration(name string, scores ...float64) fakeEvaluator {
	return fakeEvaluator{name: name, score: func(n int) (float64, error) {
		if n > len(scores) {
			return scores[len(scores)-1], nil
		}
		return scores[n-1], nil
	}}
}

func always(name string, score float64) fakeEvaluator {
	return byIteration(name, score)
}

func pipeline(gen contracts.Generator, script ...contracts.Evaluator) []PhaseSpec {
	return []PhaseSpec{
		{Name: "vision", Generator: gen},
		{Name: "script", Generator: gen, Evaluators: script},
		{Name: "consistency-spec", Generator: gen, Evaluators: []contracts.Evaluator{always("technical", 10)}},
	}
}

func newStore() *checkpoint.Store {
	return checkpoint.NewStore(checkpoint.NewMemoryBackend())
}

func target(threshold float64, maxIterations int) contracts.Target {
	return contracts.Target{Idea: "a lighthouse keeper", DurationSeconds: 60, Threshold: threshold, MaxIterations: maxIterations}
}

func newOrchestrator(t *testing.T, phases []PhaseSpec, store *checkpoint.Store, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(phases, store, opts...)
	require.NoError(t, err)
	return o
}

func runError(t *testing.T, err error) *RunError {
	t.Helper()
	var re *RunError
	require.ErrorAs(t, err, &re)
	return re
}

func TestNew_Validation(t *testing.T) {
	gen := &fakeGenerator{}
	store := newStore()

	_, err := New(nil, store)
	require.Error(t, err)

	_, err = New(pipeline(gen), nil)
	require.Error(t, err)

	_, err = New([]PhaseSpec{{Name: "a", Generator: gen}, {Name: "a", Generator: gen}}, store)
	require.ErrorContains(t, err, "duplicate")

	_, err = New([]PhaseSpec{{Name: "a"}}, store)
	require.ErrorContains(t, err, "no generator")
}

func TestStart_InvalidTarget(t *testing.T) {
	o := newOrchestrator(t, pipeline(&fakeGenerator{}, always("a", 10)), newStore())

	_, err := o.Start(context.Background(), "", contracts.Target{Threshold: 9, MaxIterations: 3})
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = o.Start(context.Background(), "", target(11, 3))
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = o.Start(context.Background(), "", target(9, 0))
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestStart_RejectThenAccept(t *testing.T) {
	gen := &fakeGenerator{}
	store := newStore()
	telemetry, err := observability.New(context.Background(), config.TelemetryConfig{}, "test")
	require.NoError(t, err)

	o := newOrchestrator(t, pipeline(gen,
		byIteration("technical", 7, 9.5),
		byIteration("narrative", 8, 9.2),
		byIteration("audience", 9, 9.1),
	), store, WithTelemetry(telemetry))

	cp, err := o.Start(context.Background(), "s1", target(9, 3))
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionCompleted, cp.Session.Status)
	assert.True(t, cp.Session.Archived)

	vision := cp.Phases[0]
	assert.Equal(t, contracts.PhaseAccepted, vision.Status)
	assert.Equal(t, 1, vision.Iteration)
	assert.Nil(t, vision.History[0].Verdict)

	script := cp.Phases[1]
	assert.Equal(t, contracts.PhaseAccepted, script.Status)
	require.Len(t, script.History, 2)
	assert.Equal(t, 2, script.Iteration)
	assert.Equal(t, 3, script.Budget)
	assert.Equal(t, []string{"accepted at iteration 2 (average 9.27)"}, script.Decisions)
	assert.False(t, script.History[0].Accepted())
	assert.Equal(t, []string{"technical", "narrative"}, script.History[0].Verdict.Failing)
	assert.True(t, script.History[1].Accepted())
	assert.Nil(t, script.Pending)
	require.NotNil(t, script.AcceptedRef)
	assert.Equal(t, 2, script.AcceptedRef.Iteration)
	assert.InDelta(t, 9.2667, script.AcceptedRef.Average, 1e-3)
	assert.False(t, script.Degraded)

	assert.Equal(t, "script draft 2", cp.Artifacts["script"])
	assert.Equal(t, "vision draft 1", cp.Artifacts["vision"])
	assert.Equal(t, contracts.PhaseAccepted, cp.Phases[2].Status)

	reqs := gen.requests("script")
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].Prior)
	assert.Equal(t, "vision draft 1", reqs[0].Inputs["vision"])
	require.NotNil(t, reqs[1].Prior)
	assert.Equal(t, 1, reqs[1].Prior.Iteration)
	assert.Equal(t, 1, reqs[1].FeedbackFrom)
	assert.Contains(t, reqs[1].Feedback, "[technical] (7.0/10) technical notes")
	assert.Contains(t, reqs[1].Feedback, "[narrative] (8.0/10)")
	assert.NotContains(t, reqs[1].Feedback, "[audience]")
	assert.True(t, script.History[1].Candidate.FeedbackApplied)

	stored, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, cp.Sequence, stored.Sequence)
	assert.Equal(t, contracts.SessionCompleted, stored.Session.Status)
}

func TestStart_DuplicateSession(t *testing.T) {
	gen := &fakeGenerator{}
	store := newStore()
	o := newOrchestrator(t, pipeline(gen, always("a", 10)), store)

	_, err := o.Start(context.Background(), "dup", target(9, 2))
	require.NoError(t, err)
	_, err = o.Start(context.Background(), "dup", target(9, 2))
	require.ErrorContains(t, err, "already exists")
}

func TestStart_GeneratesSessionID(t *testing.T) {
	o := newOrchestrator(t, pipeline(&fakeGenerator{}, always("a", 10)), newStore())
	cp, err := o.Start(context.Background(), "", target(9, 2))
	require.NoError(t, err)
	assert.Len(t, cp.Session.ID, 36)
}

func TestResume_ContinuesAtNextIteration(t *testing.T) {
	store := newStore()
	gen := &fakeGenerator{fail: func(req contracts.GenerationRequest) error {
		if req.Phase == "script" && req.Iteration == 4 {
			return dispatch.ErrAllCredentialsExhausted
		}
		return nil
	}}
	o := newOrchestrator(t, pipeline(gen, always("technical", 5)), store)

	cp, err := o.Start(context.Background(), "s2", target(9, 6))
	re := runError(t, err)
	assert.True(t, re.Paused())
	assert.True(t, dispatch.IsQuota(err))
	assert.Equal(t, "script", re.Phase)
	assert.Equal(t, 3, re.Iteration)
	assert.Equal(t, "memory://s2", re.Checkpoint)
	assert.Equal(t, contracts.SessionPaused, cp.Session.Status)

	stored, err := store.Load(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionPaused, stored.Session.Status)
	assert.Equal(t, 3, stored.Phases[1].Iteration)
	assert.Len(t, stored.Phases[1].History, 3)

	gen2 := &fakeGenerator{}
	o2 := newOrchestrator(t, pipeline(gen2, always("technical", 9.5)), store)
	cp, err = o2.Resume(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionCompleted, cp.Session.Status)

	reqs := gen2.requests("script")
	require.Len(t, reqs, 1)
	assert.Equal(t, 4, reqs[0].Iteration)
	require.NotNil(t, reqs[0].Prior)
	assert.Equal(t, 3, reqs[0].Prior.Iteration)
	assert.Empty(t, gen2.requests("vision"))
	assert.Equal(t, 4, cp.Phases[1].AcceptedRef.Iteration)
}

func TestResume_ReevaluatesPendingCandidate(t *testing.T) {
	store := newStore()
	gen := &fakeGenerator{}
	var calls atomic.Int32
	flaky := fakeEvaluator{name: "narrative", score: func(int) (float64, error) {
		if calls.Add(1) == 1 {
			return 0, fmt.Errorf("narrative: %w", dispatch.ErrQuotaExhausted)
		}
		return 9.5, nil
	}}
	o := newOrchestrator(t, pipeline(gen, always("technical", 9.5), flaky), store)

	_, err := o.Start(context.Background(), "s3", target(9, 3))
	re := runError(t, err)
	require.True(t, re.Paused())
	assert.Equal(t, 0, re.Iteration)

	stored, err := store.Load(context.Background(), "s3")
	require.NoError(t, err)
	require.NotNil(t, stored.Phases[1].Pending)
	assert.Equal(t, 1, stored.Phases[1].Pending.Iteration)
	assert.Empty(t, stored.Phases[1].History)

	cp, err := o.Resume(context.Background(), "s3")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionCompleted, cp.Session.Status)
	assert.Len(t, gen.requests("script"), 1)
	require.Len(t, cp.Phases[1].History, 1)
	assert.Equal(t, "script draft 1", cp.Phases[1].History[0].Candidate.Content)
}

type fakeReviewer struct {
	mu     sync.Mutex
	seen   []int
	reply  bool
	reject string
	err    error
}

func (r *fakeReviewer) Review(_ context.Context, c contracts.Candidate, _ contracts.Criteria) (bool, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, c.Iteration)
	return r.reply, r.reject, r.err
}

func TestReviewer_IsAdvisoryOnly(t *testing.T) {
	tests := []struct {
		name     string
		reviewer *fakeReviewer
		logged   string
	}{
		{name: "rejection", reviewer: &fakeReviewer{reject: "off tone"}, logged: "off tone"},
		{name: "failure", reviewer: &fakeReviewer{err: dispatch.ErrQuotaExhausted}, logged: "advisory review failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			phases := pipeline(&fakeGenerator{}, byIteration("technical", 7, 9.5))
			phases[1].Reviewer = tt.reviewer
			o := newOrchestrator(t, phases, newStore(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

			cp, err := o.Start(context.Background(), "s-review", target(9, 3))
			require.NoError(t, err)
			assert.Equal(t, contracts.SessionCompleted, cp.Session.Status)
			assert.Equal(t, 2, cp.Phases[1].AcceptedRef.Iteration)
			assert.Equal(t, []int{1, 2}, tt.reviewer.seen)
			assert.Contains(t, logs.String(), tt.logged)
		})
	}
}

type blockingEvaluator struct{ name string }

func (e blockingEvaluator) Name() string { return e.name }

func (e blockingEvaluator) Evaluate(ctx context.Context, _ contracts.Candidate, _ contracts.Criteria) (contracts.Evaluation, error) {
	<-ctx.Done()
	return contracts.Evaluation{}, ctx.Err()
}

func TestStart_DeadlineDuringEvaluationKeepsCandidatePending(t *testing.T) {
	store := newStore()
	gen := &fakeGenerator{}
	o := newOrchestrator(t, pipeline(gen, always("technical", 9.5), blockingEvaluator{name: "narrative"}), store)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Start(ctx, "s-deadline", target(9, 3))
	re := runError(t, err)
	require.True(t, re.Paused())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "script", re.Phase)
	assert.Equal(t, 0, re.Iteration)

	stored, err := store.Load(context.Background(), "s-deadline")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionPaused, stored.Session.Status)
	script := stored.Phases[1]
	assert.Equal(t, 0, script.Iteration)
	assert.Empty(t, script.History)
	require.NotNil(t, script.Pending)
	assert.Equal(t, 1, script.Pending.Iteration)

	o2 := newOrchestrator(t, pipeline(gen, always("technical", 9.5), always("narrative", 9.5)), store)
	cp, err := o2.Resume(context.Background(), "s-deadline")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionCompleted, cp.Session.Status)
	assert.Len(t, gen.requests("script"), 1, "pending candidate is re-evaluated, not regenerated")
	require.Len(t, cp.Phases[1].History, 1)
	assert.NotContains(t, cp.Phases[1].History[0].Verdict.MergedFeedback, "evaluator unavailable")
}

func TestStart_CancelledPausesSession(t *testing.T) {
	store := newStore()
	gen := &fakeGenerator{}
	o := newOrchestrator(t, pipeline(gen, always("a", 10)), store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Start(ctx, "s4", target(9, 2))
	re := runError(t, err)
	assert.True(t, re.Paused())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, gen.calls)

	stored, err := store.Load(context.Background(), "s4")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionPaused, stored.Session.Status)
	assert.Equal(t, contracts.PhaseActive, stored.Phases[0].Status)

	cp, err := o.Resume(context.Background(), "s4")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionCompleted, cp.Session.Status)
}

func TestDeadlock_RelaxThenAccept(t *testing.T) {
	gen := &fakeGenerator{}
	o := newOrchestrator(t, pipeline(gen, byIteration("technical", 8.6, 8.7, 8.8)), newStore())

	cp, err := o.Start(context.Background(), "s5", target(9, 2))
	require.NoError(t, err)

	script := cp.Phases[1]
	assert.Equal(t, contracts.PhaseAccepted, script.Status)
	assert.Equal(t, 1, script.Relaxations)
	assert.InDelta(t, 8.5, script.Threshold, 1e-9)
	assert.Equal(t, 3, script.Budget)
	assert.Equal(t, 3, script.Iteration)
	assert.False(t, script.Degraded)
	require.NotEmpty(t, script.Decisions)
	assert.True(t, strings.HasPrefix(script.Decisions[0], string(deadlock.LowerThreshold)))
	assert.InDelta(t, 8.5, script.History[2].Threshold, 1e-9)
}

func TestDeadlock_ForceAcceptBest(t *testing.T) {
	gen := &fakeGenerator{}
	o := newOrchestrator(t, pipeline(gen, byIteration("technical", 6, 7, 6.5)), newStore())

	cp, err := o.Start(context.Background(), "s6", target(9, 3))
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionCompleted, cp.Session.Status)

	script := cp.Phases[1]
	assert.True(t, script.Degraded)
	assert.Equal(t, 0, script.Relaxations)
	require.NotNil(t, script.AcceptedRef)
	assert.Equal(t, 2, script.AcceptedRef.Iteration)
	assert.Equal(t, "script draft 2", cp.Artifacts["script"])
	assert.True(t, strings.HasPrefix(script.Decisions[0], string(deadlock.ForceAccept)))
}

func TestDeadlock_FailPhase(t *testing.T) {
	store := newStore()
	gen := &fakeGenerator{fail: func(req contracts.GenerationRequest) error {
		if req.Phase == "script" {
			return errors.New("model refused")
		}
		return nil
	}}
	o := newOrchestrator(t, pipeline(gen, always("technical", 10)), store)

	cp, err := o.Start(context.Background(), "s7", target(9, 2))
	require.ErrorIs(t, err, ErrPhaseFailed)
	re := runError(t, err)
	assert.False(t, re.Paused())
	assert.Equal(t, "script", re.Phase)
	assert.Equal(t, 2, re.Iteration)

	assert.Equal(t, contracts.SessionFailed, cp.Session.Status)
	assert.True(t, cp.Session.Archived)
	assert.Equal(t, contracts.PhaseFailed, cp.Phases[1].Status)
	assert.Equal(t, contracts.PhasePending, cp.Phases[2].Status)
	require.Len(t, cp.Phases[1].History, 2)
	assert.Contains(t, cp.Phases[1].History[0].GenerationError, "model refused")
	require.NotNil(t, cp.Failure)
	assert.Equal(t, "script", cp.Failure.Phase)

	_, err = o.Resume(context.Background(), "s7")
	require.ErrorIs(t, err, ErrSessionFinished)
}

func TestResume_Errors(t *testing.T) {
	store := newStore()
	gen := &fakeGenerator{}
	o := newOrchestrator(t, pipeline(gen, always("a", 10)), store)

	_, err := o.Resume(context.Background(), "missing")
	require.ErrorIs(t, err, checkpoint.ErrNoCheckpointFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Start(ctx, "s8", target(9, 2))
	require.Error(t, err)

	other := newOrchestrator(t, []PhaseSpec{{Name: "vision", Generator: gen}}, store)
	_, err = other.Resume(context.Background(), "s8")
	require.ErrorIs(t, err, ErrPipelineMismatch)
}

func TestResume_PhaseOrderViolation(t *testing.T) {
	store := newStore()
	o := newOrchestrator(t, pipeline(&fakeGenerator{}, always("a", 10)), store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Start(ctx, "s9", target(9, 2))
	require.Error(t, err)

	cp, err := store.Load(context.Background(), "s9")
	require.NoError(t, err)
	cp.Phases[2].Status = contracts.PhaseActive
	cp.Sequence++
	require.NoError(t, store.Save(context.Background(), cp))

	_, err = o.Resume(context.Background(), "s9")
	require.ErrorIs(t, err, ErrPhaseOrder)
	assert.Equal(t, "vision", runError(t, err).Phase)
}

func TestStart_WritesArtifactsAndOutputFiles(t *testing.T) {
	out := t.TempDir()
	cas, err := artifacts.NewFileStore(filepath.Join(out, ".artifacts"))
	require.NoError(t, err)

	gen := &fakeGenerator{}
	o := newOrchestrator(t, pipeline(gen, byIteration("technical", 7, 9.5)), newStore(),
		WithArtifactStore(cas),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)

	tgt := target(9, 3)
	tgt.OutputDir = out
	cp, err := o.Start(context.Background(), "s10", tgt)
	require.NoError(t, err)

	accepted := cp.Phases[1].History[1].Candidate
	require.True(t, strings.HasPrefix(accepted.ContentRef, "sha256:"))
	data, err := cas.Get(context.Background(), accepted.ContentRef)
	require.NoError(t, err)
	assert.Equal(t, "script draft 2", string(data))
	assert.Equal(t, accepted.ContentRef, cp.Phases[1].AcceptedRef.ContentRef)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), accepted.CreatedAt)

	for _, name := range []string{
		"script_draft_1.txt",
		"script_draft_2.txt",
		"script_feedback_iteration_1.txt",
		"final_script.txt",
		"final_vision.txt",
		"final_consistency_spec.txt",
	} {
		assert.FileExists(t, filepath.Join(out, name))
	}
	final, err := os.ReadFile(filepath.Join(out, "final_script.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(final), "script draft 2")
}

func TestRunError_Error(t *testing.T) {
	err := &RunError{SessionID: "s", Phase: "script", Iteration: 2, Err: ErrPhaseFailed}
	assert.Contains(t, err.Error(), `phase "script" iteration 2`)
	assert.Contains(t, err.Error(), "last checkpoint: none")
	assert.ErrorIs(t, err, ErrPhaseFailed)
	assert.False(t, err.Paused())
}
