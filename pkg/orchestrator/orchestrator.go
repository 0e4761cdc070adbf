// Package orchestrator drives a session through its phases: generate a
// candidate, put it before the tribunal, checkpoint, and branch on the
// verdict until every phase is accepted.
//
// The orchestrator is the only writer of a session's checkpoint. Every
// state change is checkpointed before the next external call, so a resumed
// session continues at exactly the next pending action.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xggarcia/Curt-IA/pkg/artifacts"
	"github.com/xggarcia/Curt-IA/pkg/checkpoint"
	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/deadlock"
	"github.com/xggarcia/Curt-IA/pkg/dispatch"
	"github.com/xggarcia/Curt-IA/pkg/observability"
	"github.com/xggarcia/Curt-IA/pkg/tribunal"
)

// PhaseSpec binds a phase name to its generator and tribunal. A phase
// without evaluators is one-shot: its first generated candidate is accepted.
// Reviewer is optional.
type PhaseSpec struct {
	Name       string
	Generator  contracts.Generator
	Evaluators []contracts.Evaluator
	Reviewer   Reviewer
}

// Reviewer checks a candidate before the tribunal sees it. Its opinion is
// logged and never votes.
type Reviewer interface {
	Review(ctx context.Context, c contracts.Candidate, criteria contracts.Criteria) (approved bool, feedback string, err error)
}

// Orchestrator runs sessions over a fixed pipeline.
type Orchestrator struct {
	phases    []PhaseSpec
	store     *checkpoint.Store
	tribunal  *tribunal.Tribunal
	breaker   *deadlock.Breaker
	artifacts artifacts.Store
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTribunal replaces the default tribunal.
func WithTribunal(t *tribunal.Tribunal) Option {
	return func(o *Orchestrator) { o.tribunal = t }
}

// WithBreaker replaces the default deadlock breaker.
func WithBreaker(b *deadlock.Breaker) Option {
	return func(o *Orchestrator) { o.breaker = b }
}

// WithArtifactStore stores every candidate in a content-addressed store and
// records its reference on the candidate.
func WithArtifactStore(s artifacts.Store) Option {
	return func(o *Orchestrator) { o.artifacts = s }
}

// WithTelemetry tracks phases and iterations as operations.
func WithTelemetry(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.telemetry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an orchestrator for the given pipeline.
func New(phases []PhaseSpec, store *checkpoint.Store, opts ...Option) (*Orchestrator, error) {
	if len(phases) == 0 {
		return nil, errors.New("orchestrator: pipeline has no phases")
	}
	if store == nil {
		return nil, errors.New("orchestrator: checkpoint store is required")
	}
	seen := make(map[string]bool, len(phases))
	for i, p := range phases {
		if p.Name == "" {
			return nil, fmt.Errorf("orchestrator: phase %d has no name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("orchestrator: duplicate phase %q", p.Name)
		}
		seen[p.Name] = true
		if p.Generator == nil {
			return nil, fmt.Errorf("orchestrator: phase %q has no generator", p.Name)
		}
	}

	o := &Orchestrator{
		phases:   phases,
		store:    store,
		tribunal: tribunal.New(),
		breaker:  deadlock.New(deadlock.DefaultPolicy()),
		logger:   slog.Default().With("component", "orchestrator"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Start creates a session and runs it. An empty sessionID is replaced by
// NewSessionID. The returned checkpoint is the last one written, also on
// error.
func (o *Orchestrator) Start(ctx context.Context, sessionID string, target contracts.Target) (*checkpoint.Checkpoint, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if _, err := o.store.Load(ctx, sessionID); err == nil {
		return nil, fmt.Errorf("orchestrator: session %q already exists", sessionID)
	} else if !errors.Is(err, checkpoint.ErrNoCheckpointFound) {
		return nil, fmt.Errorf("orchestrator: check session %q: %w", sessionID, err)
	}

	now := o.clock()
	cp := &checkpoint.Checkpoint{
		Session: contracts.Session{
			ID:           sessionID,
			CreatedAt:    now,
			Target:       target,
			CurrentPhase: o.phases[0].Name,
			Status:       contracts.SessionRunning,
		},
		Artifacts: map[string]string{},
	}
	for i, spec := range o.phases {
		cp.Phases = append(cp.Phases, contracts.Phase{
			Name:      spec.Name,
			Ordinal:   i,
			Status:    contracts.PhasePending,
			Budget:    target.MaxIterations,
			Threshold: target.Threshold,
		})
	}
	if err := o.save(ctx, cp); err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "session started",
		"session_id", sessionID,
		"phases", len(cp.Phases),
		"threshold", target.Threshold,
		"max_iterations", target.MaxIterations,
	)
	return cp, o.run(ctx, cp)
}

// Resume loads the latest checkpoint of sessionID and continues at the next
// pending action.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	cp, err := o.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpointFound) {
			return nil, fmt.Errorf("resume %q: %w", sessionID, err)
		}
		return nil, &RunError{SessionID: sessionID, Err: err}
	}
	if cp.Session.Status.Terminal() {
		return cp, fmt.Errorf("%w: session %q is %s", ErrSessionFinished, sessionID, cp.Session.Status)
	}
	if err := o.checkPipeline(cp); err != nil {
		return cp, &RunError{SessionID: sessionID, Phase: cp.Session.CurrentPhase, Checkpoint: o.store.Location(sessionID), Err: err}
	}

	o.logger.InfoContext(ctx, "session resumed",
		"session_id", sessionID,
		"phase", cp.Session.CurrentPhase,
		"status", cp.Session.Status,
		"sequence", cp.Sequence,
	)
	cp.Session.Status = contracts.SessionRunning
	if err := o.save(ctx, cp); err != nil {
		return cp, err
	}
	return cp, o.run(ctx, cp)
}

func validateTarget(t contracts.Target) error {
	if strings.TrimSpace(t.Idea) == "" && strings.TrimSpace(t.BaseScript) == "" {
		return fmt.Errorf("%w: an idea or a base script is required", ErrInvalidTarget)
	}
	if err := tribunal.ValidateThreshold(t.Threshold); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if t.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be at least 1", ErrInvalidTarget)
	}
	return nil
}

func (o *Orchestrator) checkPipeline(cp *checkpoint.Checkpoint) error {
	if len(cp.Phases) != len(o.phases) {
		return fmt.Errorf("%w: checkpoint has %d phases, pipeline has %d", ErrPipelineMismatch, len(cp.Phases), len(o.phases))
	}
	for i, p := range cp.Phases {
		if p.Name != o.phases[i].Name {
			return fmt.Errorf("%w: phase %d is %q, pipeline expects %q", ErrPipelineMismatch, i, p.Name, o.phases[i].Name)
		}
	}
	return nil
}

// checkOrder verifies that phase i may be active: every earlier phase is
// accepted and no later phase has started.
func checkOrder(cp *checkpoint.Checkpoint, i int) error {
	for j, p := range cp.Phases {
		switch {
		case j < i && p.Status != contracts.PhaseAccepted:
			return fmt.Errorf("%w: %q is %s before %q", ErrPhaseOrder, p.Name, p.Status, cp.Phases[i].Name)
		case j > i && p.Status != contracts.PhasePending:
			return fmt.Errorf("%w: %q is %s while %q is unfinished", ErrPhaseOrder, p.Name, p.Status, cp.Phases[i].Name)
		}
	}
	return nil
}

// run advances the session until it completes, fails or pauses.
func (o *Orchestrator) run(ctx context.Context, cp *checkpoint.Checkpoint) error {
	for {
		i := cp.ActivePhase()
		if i < 0 {
			return o.complete(ctx, cp)
		}
		if err := checkOrder(cp, i); err != nil {
			return o.fail(ctx, cp, i, err)
		}

		phase := &cp.Phases[i]
		if phase.Status == contracts.PhaseFailed {
			return o.fail(ctx, cp, i, fmt.Errorf("%w: %s", ErrPhaseFailed, phase.Name))
		}
		if phase.Status == contracts.PhasePending {
			phase.Status = contracts.PhaseActive
			cp.Session.CurrentPhase = phase.Name
			o.logger.InfoContext(ctx, "phase started", "session_id", cp.Session.ID, "phase", phase.Name)
			if err := o.save(ctx, cp); err != nil {
				return o.runError(cp, i, err)
			}
		}

		if err := o.runPhase(ctx, cp, i); err != nil {
			return err
		}
	}
}

// runPhase iterates phase i until it is accepted. It returns nil on
// acceptance and a *RunError otherwise.
func (o *Orchestrator) runPhase(ctx context.Context, cp *checkpoint.Checkpoint, i int) error {
	spec := o.phases[i]
	phase := &cp.Phases[i]

	for phase.Status == contracts.PhaseActive {
		if err := ctx.Err(); err != nil {
			return o.pause(ctx, cp, i, err)
		}

		if phase.Iteration >= phase.Budget {
			done, err := o.breakDeadlock(ctx, cp, i)
			if err != nil || done {
				return err
			}
			continue
		}

		if err := o.iterate(ctx, cp, i, spec); err != nil {
			return err
		}
	}
	return nil
}

// iterate runs one iteration: generate (or reuse the pending candidate),
// evaluate, record.
func (o *Orchestrator) iterate(ctx context.Context, cp *checkpoint.Checkpoint, i int, spec PhaseSpec) (err error) {
	phase := &cp.Phases[i]
	iteration := phase.Iteration + 1

	ctx, done := o.track(ctx, "phase.iteration",
		attribute.String("session_id", cp.Session.ID),
		attribute.String("phase", phase.Name),
		attribute.Int("iteration", iteration),
	)
	defer func() { done(err) }()

	cand := phase.Pending
	if cand == nil || cand.Iteration != iteration {
		c, genErr := o.generate(ctx, cp, i, spec, iteration)
		if genErr != nil {
			if pausing(ctx, genErr) {
				return o.pause(ctx, cp, i, genErr)
			}
			o.logger.WarnContext(ctx, "generation failed",
				"session_id", cp.Session.ID, "phase", phase.Name, "iteration", iteration, "error", genErr)
			phase.History = append(phase.History, contracts.IterationRecord{
				Iteration:       iteration,
				GenerationError: genErr.Error(),
				Threshold:       phase.Threshold,
				RecordedAt:      o.clock(),
			})
			phase.Iteration = iteration
			phase.Pending = nil
			if err := o.save(ctx, cp); err != nil {
				return o.runError(cp, i, err)
			}
			return nil
		}
		cand = &c
		phase.Pending = cand
		if err := o.save(ctx, cp); err != nil {
			return o.runError(cp, i, err)
		}
	} else {
		o.logger.InfoContext(ctx, "re-evaluating pending candidate",
			"session_id", cp.Session.ID, "phase", phase.Name, "iteration", iteration)
	}

	if len(spec.Evaluators) == 0 {
		rec := contracts.IterationRecord{
			Iteration:  iteration,
			Candidate:  cand,
			Threshold:  phase.Threshold,
			RecordedAt: o.clock(),
		}
		phase.History = append(phase.History, rec)
		phase.Iteration = iteration
		phase.Pending = nil
		o.accept(ctx, cp, i, &phase.History[len(phase.History)-1], false, "accepted without tribunal")
		if err := o.save(ctx, cp); err != nil {
			return o.runError(cp, i, err)
		}
		return nil
	}

	criteria := contracts.Criteria{
		Phase:     phase.Name,
		Threshold: phase.Threshold,
		Target:    cp.Session.Target,
		Inputs:    maps.Clone(cp.Artifacts),
	}
	if spec.Reviewer != nil {
		o.review(ctx, cp.Session.ID, spec.Reviewer, *cand, criteria)
	}
	verdict, evalErr := o.tribunal.Evaluate(ctx, *cand, spec.Evaluators, criteria)
	if evalErr != nil {
		if errors.Is(evalErr, tribunal.ErrInterrupted) {
			return o.pause(ctx, cp, i, evalErr)
		}
		return o.fail(ctx, cp, i, evalErr)
	}

	phase.History = append(phase.History, contracts.IterationRecord{
		Iteration:  iteration,
		Candidate:  cand,
		Verdict:    &verdict,
		Threshold:  phase.Threshold,
		RecordedAt: o.clock(),
	})
	phase.Iteration = iteration
	phase.Pending = nil
	rec := &phase.History[len(phase.History)-1]
	if phase.BestRef == nil || verdict.Average > phase.BestRef.Average {
		phase.BestRef = &contracts.ArtifactRef{Iteration: iteration, Average: verdict.Average, ContentRef: cand.ContentRef}
	}

	o.writeOutput(ctx, cp, func(out *artifacts.OutputDir) (string, error) {
		return out.WriteReport(phase.Name, iteration, tribunal.FormatReport(phase.Name, iteration, verdict))
	})
	if o.telemetry != nil {
		o.telemetry.RecordVerdict(ctx, phase.Name, verdict.Accept, verdict.Average)
	}

	if verdict.Accept {
		o.accept(ctx, cp, i, rec, false, fmt.Sprintf("accepted at iteration %d (average %.2f)", iteration, verdict.Average))
	} else {
		o.logger.InfoContext(ctx, "candidate rejected",
			"session_id", cp.Session.ID,
			"phase", phase.Name,
			"iteration", iteration,
			"average", verdict.Average,
			"failing", strings.Join(verdict.Failing, ","),
			"remaining", phase.Budget-phase.Iteration,
		)
	}
	if err := o.save(ctx, cp); err != nil {
		return o.runError(cp, i, err)
	}
	return nil
}

// generate asks the phase generator for the candidate of iteration and
// stamps it.
func (o *Orchestrator) generate(ctx context.Context, cp *checkpoint.Checkpoint, i int, spec PhaseSpec, iteration int) (contracts.Candidate, error) {
	phase := &cp.Phases[i]
	req := contracts.GenerationRequest{
		SessionID: cp.Session.ID,
		Phase:     phase.Name,
		Iteration: iteration,
		Target:    cp.Session.Target,
		Inputs:    maps.Clone(cp.Artifacts),
	}
	if prior := phase.LastCandidate(); prior != nil {
		req.Prior = prior
		req.Feedback, req.FeedbackFrom = phase.LastFeedback()
	}

	cand, err := spec.Generator.Produce(ctx, req)
	if err != nil {
		return contracts.Candidate{}, err
	}
	if strings.TrimSpace(cand.Content) == "" {
		return contracts.Candidate{}, fmt.Errorf("%w: %s produced empty content", contracts.ErrGeneration, phase.Name)
	}

	cand.Phase = phase.Name
	cand.Iteration = iteration
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = o.clock()
	}
	if req.Revision() && req.Feedback != "" {
		cand.FeedbackApplied = true
		cand.FeedbackFrom = req.FeedbackFrom
	}

	if o.artifacts != nil {
		ref, err := o.artifacts.Put(ctx, []byte(contracts.NormalizeContent(cand.Content)))
		if err != nil {
			o.logger.WarnContext(ctx, "failed to store candidate", "phase", phase.Name, "iteration", iteration, "error", err)
		} else {
			cand.ContentRef = ref
		}
	}
	o.writeOutput(ctx, cp, func(out *artifacts.OutputDir) (string, error) {
		return out.WriteDraft(phase.Name, iteration, cand.Content)
	})

	o.logger.InfoContext(ctx, "candidate generated",
		"session_id", cp.Session.ID,
		"phase", phase.Name,
		"iteration", iteration,
		"digest", cand.Digest(),
		"revision", req.Revision(),
	)
	return cand, nil
}

// breakDeadlock applies the breaker to an exhausted phase. done reports
// that the phase left the active state.
func (o *Orchestrator) breakDeadlock(ctx context.Context, cp *checkpoint.Checkpoint, i int) (done bool, err error) {
	phase := &cp.Phases[i]
	res := o.breaker.Resolve(*phase, phase.Budget)

	o.logger.WarnContext(ctx, "iteration budget exhausted",
		"session_id", cp.Session.ID,
		"phase", phase.Name,
		"iterations", phase.Iteration,
		"decision", res.Decision,
		"reason", res.Reason,
	)
	phase.Decisions = append(phase.Decisions, fmt.Sprintf("%s: %s", res.Decision, res.Reason))

	switch res.Decision {
	case deadlock.LowerThreshold:
		phase.Threshold = res.NewThreshold
		phase.Relaxations++
		phase.Budget += res.ExtraIterations
	case deadlock.ForceAccept:
		o.accept(ctx, cp, i, res.Best, true, res.Reason)
	default:
		return true, o.fail(ctx, cp, i, fmt.Errorf("%w: %s: %s", ErrPhaseFailed, phase.Name, res.Reason))
	}

	if err := o.save(ctx, cp); err != nil {
		return true, o.runError(cp, i, err)
	}
	return phase.Status != contracts.PhaseActive, nil
}

func (o *Orchestrator) accept(ctx context.Context, cp *checkpoint.Checkpoint, i int, rec *contracts.IterationRecord, degraded bool, reason string) {
	phase := &cp.Phases[i]
	ref := &contracts.ArtifactRef{Iteration: rec.Iteration, ContentRef: rec.Candidate.ContentRef}
	if rec.Verdict != nil {
		ref.Average = rec.Verdict.Average
	}

	phase.Status = contracts.PhaseAccepted
	phase.AcceptedRef = ref
	phase.Degraded = degraded
	if cp.Artifacts == nil {
		cp.Artifacts = map[string]string{}
	}
	cp.Artifacts[phase.Name] = rec.Candidate.Content
	if !degraded {
		phase.Decisions = append(phase.Decisions, reason)
	}

	o.writeOutput(ctx, cp, func(out *artifacts.OutputDir) (string, error) {
		return out.WriteFinal(phase.Name, rec.Candidate.Content)
	})
	o.logger.InfoContext(ctx, "phase accepted",
		"session_id", cp.Session.ID,
		"phase", phase.Name,
		"iteration", rec.Iteration,
		"average", ref.Average,
		"degraded", degraded,
	)
}

func (o *Orchestrator) complete(ctx context.Context, cp *checkpoint.Checkpoint) error {
	cp.Session.Status = contracts.SessionCompleted
	cp.Session.Archived = true
	if err := o.save(ctx, cp); err != nil {
		return o.runError(cp, len(cp.Phases)-1, err)
	}
	o.logger.InfoContext(ctx, "session completed", "session_id", cp.Session.ID)
	return nil
}

// pause leaves the session resumable; the pending candidate, if any, is
// kept for re-evaluation.
func (o *Orchestrator) pause(ctx context.Context, cp *checkpoint.Checkpoint, i int, cause error) error {
	cp.Session.Status = contracts.SessionPaused
	o.logger.WarnContext(ctx, "session paused",
		"session_id", cp.Session.ID,
		"phase", cp.Phases[i].Name,
		"iteration", cp.Phases[i].Iteration+1,
		"error", cause,
	)
	if err := o.save(ctx, cp); err != nil {
		return o.runError(cp, i, errors.Join(fmt.Errorf("%w: %w", ErrSessionPaused, cause), err))
	}
	return o.runError(cp, i, fmt.Errorf("%w: %w", ErrSessionPaused, cause))
}

func (o *Orchestrator) fail(ctx context.Context, cp *checkpoint.Checkpoint, i int, cause error) error {
	phase := &cp.Phases[i]
	if phase.Status == contracts.PhaseActive {
		phase.Status = contracts.PhaseFailed
	}
	cp.Session.Status = contracts.SessionFailed
	cp.Session.Archived = true
	cp.Failure = &checkpoint.Failure{
		Phase:     phase.Name,
		Iteration: phase.Iteration,
		Reason:    cause.Error(),
		At:        o.clock(),
	}
	o.logger.ErrorContext(ctx, "session failed",
		"session_id", cp.Session.ID,
		"phase", phase.Name,
		"iteration", phase.Iteration,
		"error", cause,
	)
	if err := o.save(ctx, cp); err != nil {
		return o.runError(cp, i, errors.Join(cause, err))
	}
	return o.runError(cp, i, cause)
}

func (o *Orchestrator) runError(cp *checkpoint.Checkpoint, i int, err error) error {
	re := &RunError{
		SessionID:  cp.Session.ID,
		Checkpoint: o.store.Location(cp.Session.ID),
		Err:        err,
	}
	if i >= 0 && i < len(cp.Phases) {
		re.Phase = cp.Phases[i].Name
		re.Iteration = cp.Phases[i].Iteration
	}
	return re
}

func (o *Orchestrator) review(ctx context.Context, sessionID string, r Reviewer, cand contracts.Candidate, criteria contracts.Criteria) {
	approved, feedback, err := r.Review(ctx, cand, criteria)
	switch {
	case err != nil:
		o.logger.WarnContext(ctx, "advisory review failed",
			"session_id", sessionID, "phase", criteria.Phase, "iteration", cand.Iteration, "error", err)
	case approved:
		o.logger.InfoContext(ctx, "advisory review approved",
			"session_id", sessionID, "phase", criteria.Phase, "iteration", cand.Iteration)
	default:
		o.logger.WarnContext(ctx, "advisory review rejected, continuing to tribunal",
			"session_id", sessionID, "phase", criteria.Phase, "iteration", cand.Iteration, "feedback", feedback)
	}
}

// save writes the next checkpoint. Writes are detached from ctx so that a
// cancelled session still records its paused state.
func (o *Orchestrator) save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	now := o.clock()
	cp.Sequence++
	cp.WrittenAt = now
	cp.Session.UpdatedAt = now
	return o.store.Save(context.WithoutCancel(ctx), cp)
}

// pausing reports whether err should pause the session instead of counting
// as a failed iteration.
func pausing(ctx context.Context, err error) bool {
	return dispatch.IsQuota(err) ||
		errors.Is(err, context.Canceled) ||
		(ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded))
}

func (o *Orchestrator) writeOutput(ctx context.Context, cp *checkpoint.Checkpoint, write func(*artifacts.OutputDir) (string, error)) {
	dir := cp.Session.Target.OutputDir
	if dir == "" {
		return
	}
	out, err := artifacts.NewOutputDir(dir)
	if err == nil {
		_, err = write(out)
	}
	if err != nil {
		o.logger.WarnContext(ctx, "failed to write output file", "dir", dir, "error", err)
	}
}

func (o *Orchestrator) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if o.telemetry == nil {
		return ctx, func(error) {}
	}
	return o.telemetry.TrackOperation(ctx, name, attrs...)
}
