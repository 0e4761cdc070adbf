package agents

import (
	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/llm"
	"github.com/xggarcia/Curt-IA/pkg/orchestrator"
)

var _ orchestrator.Reviewer = (*Director)(nil)

// DefaultPipeline returns the short-film pipeline: the director's vision is
// accepted as written, the script gets the director's advisory review and
// faces all three critics, and the visual bible is checked by the technical
// critic.
func DefaultPipeline(client llm.Client) []orchestrator.PhaseSpec {
	director := NewDirector(client)
	technical := NewTechnicalCritic(client)
	return []orchestrator.PhaseSpec{
		{
			Name:      PhaseVision,
			Generator: director,
		},
		{
			Name:      PhaseScript,
			Generator: NewScriptwriter(client),
			Reviewer:  director,
			Evaluators: []contracts.Evaluator{
				technical,
				NewNarrativeCritic(client),
				NewAudienceCritic(client),
			},
		},
		{
			Name:       PhaseConsistency,
			Generator:  NewCoherenceManager(client),
			Evaluators: []contracts.Evaluator{technical},
		},
	}
}
