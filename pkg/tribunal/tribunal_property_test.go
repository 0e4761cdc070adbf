//go:build property
// +build property

package tribunal

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
)

func evaluationsFrom(scores []float64) []contracts.Evaluation {
	evals := make([]contracts.Evaluation, len(scores))
	for i, s := range scores {
		evals[i] = contracts.Evaluation{Evaluator: fmt.Sprintf("e%d", i), Score: s, Feedback: fmt.Sprintf("f%d", i)}
	}
	return evals
}

// TestUnanimityProperty: a verdict accepts iff every score meets the threshold.
func TestUnanimityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("accept iff min score >= threshold", prop.ForAll(
		func(scores []float64, threshold float64) bool {
			v := Aggregate(evaluationsFrom(scores), threshold)
			allPass := true
			for _, s := range scores {
				if s < threshold {
					allPass = false
				}
			}
			return v.Accept == allPass
		},
		gen.SliceOfN(5, gen.Float64Range(0, 10)).SuchThat(func(s []float64) bool { return len(s) > 0 }),
		gen.Float64Range(0, 10),
	))

	properties.Property("failing evaluators listed in declaration order", prop.ForAll(
		func(scores []float64, threshold float64) bool {
			v := Aggregate(evaluationsFrom(scores), threshold)
			last := -1
			for _, name := range v.Failing {
				var idx int
				if _, err := fmt.Sscanf(name, "e%d", &idx); err != nil || idx <= last {
					return false
				}
				last = idx
			}
			return true
		},
		gen.SliceOfN(5, gen.Float64Range(0, 10)),
		gen.Float64Range(0, 10),
	))

	properties.TestingRun(t)
}

// TestAggregateDeterminismProperty: identical inputs give identical verdicts.
func TestAggregateDeterminismProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("aggregate is a pure function", prop.ForAll(
		func(scores []float64, threshold float64) bool {
			a := Aggregate(evaluationsFrom(scores), threshold)
			b := Aggregate(evaluationsFrom(scores), threshold)
			return a.Accept == b.Accept && a.MergedFeedback == b.MergedFeedback && a.Average == b.Average
		},
		gen.SliceOf(gen.Float64Range(0, 10)),
		gen.Float64Range(0, 10),
	))

	properties.TestingRun(t)
}
