package contracts

import (
	"context"
	"errors"
)

var (
	// ErrGeneration marks a failed attempt to produce a candidate.
	ErrGeneration = errors.New("contracts: generation failed")
	// ErrEvaluator marks an evaluator that could not produce a judgement.
	ErrEvaluator = errors.New("contracts: evaluator failed")
)

// GenerationRequest is everything a generator needs to produce or revise a
// candidate.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type GenerationRequest struct {
	SessionID string
	Phase     string
	Iteration int
	Target    Target
	// Inputs holds the accepted artifacts of every earlier phase, by phase name.
	Inputs map[string]string
	// Prior is the candidate being revised; nil on a fresh generation.
	Prior *Candidate
	// Feedback is the merged tribunal feedback to apply to Prior.
	Feedback     string
	FeedbackFrom int
}

// Revision reports whether the request asks for a revision of prior work.
func (r GenerationRequest) Revision() bool {
	return r.Prior != nil
}

// Criteria is what an evaluator judges a candidate against.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Criteria struct {
	Phase     string
	Threshold float64
	Target    Target
	Inputs    map[string]string
}

// Generator produces candidates for a phase.
type Generator interface {
	Produce(ctx context.Context, req GenerationRequest) (Candidate, error)
}

// Evaluator scores candidates.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, candidate Candidate, criteria Criteria) (Evaluation, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (Candidate, error)

// Produce calls f.
func (f GeneratorFunc) Produce(ctx context.Context, req GenerationRequest) (Candidate, error) {
	return f(ctx, req)
}
