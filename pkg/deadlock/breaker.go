// Package deadlock decides what happens to a phase whose iteration budget
// ran out without an accepted candidate.
package deadlock

import (
	"fmt"
	"math"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
)

// Decision is the breaker's verdict on an exhausted phase.
type Decision string

// Decisions, in order of preference.
const (
	LowerThreshold Decision = "continue-with-lowered-threshold"
	ForceAccept    Decision = "force-accept-best"
	FailPhase      Decision = "fail-phase"
)

// Policy bounds how far a phase may be relaxed.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Policy struct {
	// NearMissTolerance is how far below the threshold the best average may
	// sit and still qualify for a relaxation.
	NearMissTolerance float64
	ThresholdStep     float64
	// Floor is the lowest threshold a relaxation may reach.
	Floor           float64
	MaxRelaxations  int
	ExtraIterations int
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		NearMissTolerance: 0.5,
		ThresholdStep:     0.5,
		Floor:             8.0,
		MaxRelaxations:    1,
		ExtraIterations:   1,
	}
}

// Resolution is what the orchestrator must do next.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Resolution struct {
	Decision        Decision
	NewThreshold    float64
	ExtraIterations int
	Best            *contracts.IterationRecord
	Reason          string
}

// Breaker applies a Policy.
type Breaker struct {
	policy Policy
}

// New creates a Breaker.
func New(policy Policy) *Breaker {
	return &Breaker{policy: policy}
}

// Resolve inspects the history of an exhausted phase. The first matching
// rule wins: near-miss relaxation, then force-accept of the best candidate,
// then failure.
func (b *Breaker) Resolve(phase contracts.Phase, maxIterations int) Resolution {
	best := phase.Best()

	if best != nil {
		gap := phase.Threshold - best.Verdict.Average
		next := math.Max(phase.Threshold-b.policy.ThresholdStep, b.policy.Floor)
		if phase.Relaxations < b.policy.MaxRelaxations &&
			b.policy.ThresholdStep > 0 &&
			next < phase.Threshold &&
			gap <= b.policy.NearMissTolerance+1e-9 {
			return Resolution{
				Decision:        LowerThreshold,
				NewThreshold:    next,
				ExtraIterations: max(b.policy.ExtraIterations, 1),
				Best:            best,
				Reason: fmt.Sprintf("best average %.2f within %.2f of threshold %.2f after %d iterations",
					best.Verdict.Average, b.policy.NearMissTolerance, phase.Threshold, maxIterations),
			}
		}

		return Resolution{
			Decision: ForceAccept,
			Best:     best,
			Reason: fmt.Sprintf("no candidate reached %.2f in %d iterations; accepting iteration %d (average %.2f)",
				phase.Threshold, maxIterations, best.Iteration, best.Verdict.Average),
		}
	}

	return Resolution{
		Decision: FailPhase,
		Reason:   fmt.Sprintf("no candidate was evaluated in %d iterations", len(phase.History)),
	}
}
