package tribunal

import (
	"fmt"
	"strings"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
)

// FormatReport renders a verdict as the human-readable feedback report
// written next to each draft.
func FormatReport(phase string, iteration int, v contracts.Verdict) string {
	var b strings.Builder

	fmt.Fprintf(&b, "ITERATION %d - %s TRIBUNAL VERDICT\n", iteration, strings.ToUpper(phase))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	if v.Accept {
		b.WriteString("RESULT: APPROVED\n")
	} else {
		b.WriteString("RESULT: REJECTED\n")
	}
	fmt.Fprintf(&b, "AVERAGE SCORE: %.1f/10\n", v.Average)
	fmt.Fprintf(&b, "THRESHOLD: %.1f/10\n\n", v.Threshold)

	b.WriteString("INDIVIDUAL SCORES:\n")
	for _, e := range v.Evaluations {
		mark := "✓"
		if !e.Pass {
			mark = "✗"
		}
		fmt.Fprintf(&b, "  %s [%s] %.1f/10\n", mark, e.Evaluator, e.Score)
		if e.Feedback != "" {
			fmt.Fprintf(&b, "     Comments: %s\n", strings.TrimSpace(e.Feedback))
		}
		if !e.Pass {
			for i, s := range e.Suggestions {
				fmt.Fprintf(&b, "     %d. %s\n", i+1, s)
			}
		}
	}

	failing := "None"
	if len(v.Failing) > 0 {
		failing = strings.Join(v.Failing, ", ")
	}
	fmt.Fprintf(&b, "\nFAILING EVALUATORS: %s\n", failing)
	if v.PolicyVeto != "" {
		fmt.Fprintf(&b, "POLICY VETO: %s\n", v.PolicyVeto)
	}

	if v.Accept {
		b.WriteString("\nVERDICT: All evaluators approve. Proceed to next phase.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "\nVERDICT: Revisions needed (avg score: %.1f/10)\n", v.Average)
	var actions []string
	for _, e := range v.Evaluations {
		if !e.Pass {
			actions = append(actions, e.Suggestions...)
		}
	}
	if len(actions) > 0 {
		b.WriteString("\nPRIORITY ACTIONS:\n")
		for i, a := range actions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a)
		}
	}
	return b.String()
}
