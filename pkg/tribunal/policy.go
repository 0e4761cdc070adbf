package tribunal

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
)

// Policy is an extra acceptance rule written in CEL over the verdict, e.g.
//
//	verdict.average >= 9.2 && verdict.scores["narrative"] >= 9.5
//
// A policy narrows unanimity: with one configured, acceptance requires every
// score at or above the threshold and the rule to hold. It can veto a
// unanimous acceptance, never override a rejection.
type Policy struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles expr. The expression sees one variable, "verdict", a map
// with keys average, min_score, threshold and scores (evaluator → score).
func NewPolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("verdict", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// Expression returns the source expression.
func (p *Policy) Expression() string { return p.expr }

// Allow evaluates the rule against v.
func (p *Policy) Allow(v contracts.Verdict) (bool, error) {
	scores := make(map[string]any, len(v.Evaluations))
	for _, e := range v.Evaluations {
		scores[e.Evaluator] = e.Score
	}

	out, _, err := p.prg.Eval(map[string]any{
		"verdict": map[string]any{
			"average":   v.Average,
			"min_score": v.MinScore,
			"threshold": v.Threshold,
			"scores":    scores,
		},
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return allowed, nil
}
