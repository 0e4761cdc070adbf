// Package tribunal runs a set of independent evaluators against one
// candidate and folds their judgements into a single verdict.
//
// Acceptance is unanimous: one score below the threshold rejects the
// candidate, whatever the others say.
package tribunal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/dispatch"
)

const (
	// MinScore and MaxScore bound every evaluation.
	MinScore = 0.0
	MaxScore = 10.0

	// UnavailableFeedback is recorded for an evaluator that could not judge.
	UnavailableFeedback = "evaluator unavailable"

	// PolicyReviewer names a policy veto in Verdict.Failing.
	PolicyReviewer = "policy"
)

var (
	// ErrNoEvaluators is returned when the evaluator set is empty.
	ErrNoEvaluators = errors.New("tribunal: no evaluators")
	// ErrInvalidThreshold is returned for a threshold outside [0, 10].
	ErrInvalidThreshold = errors.New("tribunal: threshold must be between 0 and 10")
	// ErrInterrupted is returned alongside a verdict when at least one
	// evaluator failed for quota or cancellation rather than on the merits.
	ErrInterrupted = errors.New("tribunal: evaluation interrupted")
)

// Tribunal aggregates evaluator judgements.
type Tribunal struct {
	policy *Policy
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Tribunal.
type Option func(*Tribunal)

// WithPolicy adds an acceptance rule applied after unanimity. A policy
// narrows the unanimity rule: a veto rejects a candidate every evaluator
// accepted and lists PolicyReviewer in Failing.
func WithPolicy(p *Policy) Option {
	return func(t *Tribunal) { t.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tribunal) { t.logger = l }
}

// New creates a Tribunal.
func New(opts ...Option) *Tribunal {
	t := &Tribunal{
		logger: slog.Default().With("component", "tribunal"),
		tracer: otel.Tracer("github.com/xggarcia/Curt-IA/pkg/tribunal"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Evaluate runs every evaluator concurrently against candidate and returns
// the aggregated verdict. Evaluator failures become conservative rejections.
//
// When any evaluator failed because credentials ran out or ctx was
// cancelled or hit its deadline, the verdict is still returned but err wraps ErrInterrupted and
// the underlying causes, so callers can avoid treating the rejection as a
// judgement on the candidate.
func (t *Tribunal) Evaluate(ctx context.Context, candidate contracts.Candidate, evaluators []contracts.Evaluator, criteria contracts.Criteria) (contracts.Verdict, error) {
	if len(evaluators) == 0 {
		return contracts.Verdict{}, ErrNoEvaluators
	}
	if err := ValidateThreshold(criteria.Threshold); err != nil {
		return contracts.Verdict{}, err
	}

	ctx, span := t.tracer.Start(ctx, "tribunal.evaluate", trace.WithAttributes(
		attribute.String("phase", criteria.Phase),
		attribute.Int("iteration", candidate.Iteration),
		attribute.Int("evaluators", len(evaluators)),
		attribute.Float64("threshold", criteria.Threshold),
	))
	defer span.End()

	evals := make([]contracts.Evaluation, len(evaluators))
	causes := make([]error, len(evaluators))

	g, gctx := errgroup.WithContext(ctx)
	for i, ev := range evaluators {
		i, ev := i, ev
		g.Go(func() error {
			evals[i], causes[i] = t.run(gctx, ev, candidate, criteria)
			return nil
		})
	}
	_ = g.Wait()

	verdict := Aggregate(evals, criteria.Threshold)

	if verdict.Accept && t.policy != nil {
		ok, err := t.policy.Allow(verdict)
		if err != nil || !ok {
			verdict.Accept = false
			verdict.PolicyVeto = t.policy.Expression()
			verdict.Failing = append(verdict.Failing, PolicyReviewer)
			verdict.MergedFeedback = joinFeedback(verdict.MergedFeedback,
				fmt.Sprintf("[policy] acceptance rule not satisfied: %s", t.policy.Expression()))
			if err != nil {
				t.logger.WarnContext(ctx, "acceptance policy failed to evaluate", "error", err)
			}
		}
	}

	span.SetAttributes(
		attribute.Bool("accept", verdict.Accept),
		attribute.Float64("average", verdict.Average),
	)

	var interrupted []error
	for _, cause := range causes {
		if cause != nil {
			interrupted = append(interrupted, cause)
		}
	}
	if len(interrupted) > 0 {
		err := fmt.Errorf("%w: %w", ErrInterrupted, errors.Join(interrupted...))
		span.SetStatus(codes.Error, err.Error())
		return verdict, err
	}

	t.logger.InfoContext(ctx, "verdict",
		"phase", criteria.Phase,
		"iteration", candidate.Iteration,
		"accept", verdict.Accept,
		"average", verdict.Average,
		"failing", strings.Join(verdict.Failing, ","),
	)
	return verdict, nil
}

// run returns the evaluation of one evaluator, and a non-nil cause only when
// the failure was an interruption rather than an evaluator fault.
func (t *Tribunal) run(ctx context.Context, ev contracts.Evaluator, candidate contracts.Candidate, criteria contracts.Criteria) (contracts.Evaluation, error) {
	name := ev.Name()
	eval, err := ev.Evaluate(ctx, candidate, criteria)
	if err == nil {
		if math.IsNaN(eval.Score) || eval.Score < MinScore || eval.Score > MaxScore {
			err = fmt.Errorf("%w: score %v out of range", contracts.ErrEvaluator, eval.Score)
		}
	}
	if err != nil {
		t.logger.WarnContext(ctx, "evaluator failed, counting as rejection",
			"evaluator", name, "error", err)
		var cause error
		if dispatch.IsQuota(err) || errors.Is(err, context.Canceled) ||
			(ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded)) {
			cause = fmt.Errorf("%s: %w", name, err)
		}
		return unavailable(name, candidate), cause
	}

	eval.Evaluator = name
	return eval, nil
}

func unavailable(name string, candidate contracts.Candidate) contracts.Evaluation {
	return contracts.Evaluation{
		Evaluator:   name,
		Score:       MinScore,
		Feedback:    UnavailableFeedback,
		Unavailable: true,
		Timestamp:   candidate.CreatedAt,
	}
}

// ValidateThreshold checks that threshold lies within the score range.
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < MinScore || threshold > MaxScore {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	return nil
}

// Aggregate folds evaluations, in declaration order, into a verdict. It is a
// pure function of its inputs.
func Aggregate(evals []contracts.Evaluation, threshold float64) contracts.Verdict {
	v := contracts.Verdict{
		Accept:      len(evals) > 0,
		Threshold:   threshold,
		Evaluations: make([]contracts.Evaluation, len(evals)),
		MinScore:    MaxScore,
	}

	var (
		sum      float64
		feedback []string
	)
	for i, e := range evals {
		e.Pass = !e.Unavailable && e.Score >= threshold
		v.Evaluations[i] = e
		sum += e.Score
		if e.Score < v.MinScore {
			v.MinScore = e.Score
		}
		if !e.Pass {
			v.Accept = false
			v.Failing = append(v.Failing, e.Evaluator)
			feedback = append(feedback, formatFeedback(e))
		}
	}
	if len(evals) > 0 {
		v.Average = sum / float64(len(evals))
	} else {
		v.MinScore = MinScore
	}
	v.MergedFeedback = strings.Join(feedback, "\n\n")
	return v
}

func formatFeedback(e contracts.Evaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] (%.1f/10) %s", e.Evaluator, e.Score, strings.TrimSpace(e.Feedback))
	for _, s := range e.Suggestions {
		fmt.Fprintf(&b, "\n  - %s", s)
	}
	return b.String()
}

func joinFeedback(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// Worst returns the lowest-scoring evaluation; ties go to the earliest.
func Worst(v contracts.Verdict) (contracts.Evaluation, bool) {
	if len(v.Evaluations) == 0 {
		return contracts.Evaluation{}, false
	}
	worst := v.Evaluations[0]
	for _, e := range v.Evaluations[1:] {
		if e.Score < worst.Score {
			worst = e
		}
	}
	return worst, true
}
