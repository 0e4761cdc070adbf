package agents

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/llm"
)

// Critic is an llm-backed evaluator with a fixed persona. Review prompts
// are chosen by phase; the "" entry is the fallback.
type Critic struct {
	name    string
	client  llm.Client
	system  func(v Vision, c contracts.Criteria) string
	reviews map[string]string
	now     func() time.Time
}

// Name implements contracts.Evaluator.
func (c *Critic) Name() string { return c.name }

// Evaluate implements contracts.Evaluator. A response without a SCORE line
// is an evaluator failure, not a zero.
func (c *Critic) Evaluate(ctx context.Context, cand contracts.Candidate, criteria contracts.Criteria) (contracts.Evaluation, error) {
	review, ok := c.reviews[criteria.Phase]
	if !ok {
		review = c.reviews[""]
	}
	prompt := fmt.Sprintf(review, cand.Content)
	system := c.system(visionFrom(criteria.Inputs), criteria)

	resp, err := c.client.Chat(ctx, llm.Prompt(criteria.Phase+".review."+c.name, system, prompt, criticSampling))
	if err != nil {
		return contracts.Evaluation{}, fmt.Errorf("%w: %s: %w", contracts.ErrEvaluator, c.name, err)
	}

	score, feedback, suggestions, err := ParseReview(resp.Content)
	if err != nil {
		return contracts.Evaluation{}, fmt.Errorf("%w: %s: %w", contracts.ErrEvaluator, c.name, err)
	}
	return contracts.Evaluation{
		Evaluator:   c.name,
		Score:       score,
		Feedback:    feedback,
		Suggestions: suggestions,
		Timestamp:   c.now().UTC(),
	}, nil
}

var (
	headerRE = regexp.MustCompile(`^([A-Z][A-Z_ /]{1,30}):\s*(.*)$`)
	numberRE = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// ParseReview reads a "SCORE: / SECTION: / SUGGESTIONS:" review. Section
// lines become feedback; SUGGESTIONS content and the bullets under it
// become suggestions.
func ParseReview(text string) (float64, string, []string, error) {
	var (
		score       = -1.0
		section     string
		feedback    []string
		suggestions []string
	)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.ReplaceAll(raw, "**", ""))
		line = strings.TrimLeft(line, "# ")
		if line == "" {
			continue
		}

		if m := headerRE.FindStringSubmatch(line); m != nil {
			key := strings.TrimSpace(m[1])
			content := strings.Trim(strings.TrimSpace(m[2]), "[]")
			switch key {
			case "SCORE":
				n := numberRE.FindString(content)
				if n == "" {
					return 0, "", nil, fmt.Errorf("unreadable score %q", content)
				}
				score, _ = strconv.ParseFloat(n, 64)
				section = ""
			case "SUGGESTIONS":
				section = key
				if content != "" {
					suggestions = append(suggestions, content)
				}
			default:
				section = key
				if content != "" {
					feedback = append(feedback, sectionLabel(key)+": "+content)
				}
			}
			continue
		}

		switch section {
		case "SUGGESTIONS":
			if s := strings.TrimLeft(line, "-•*0123456789.) "); s != "" {
				suggestions = append(suggestions, s)
			}
		case "":
		default:
			feedback = append(feedback, line)
		}
	}

	if score < 0 {
		return 0, "", nil, fmt.Errorf("review has no SCORE line")
	}
	return score, strings.Join(feedback, "\n"), suggestions, nil
}

// sectionLabel turns "EMOTIONAL_IMPACT" into "Emotional impact".
func sectionLabel(key string) string {
	s := strings.ToLower(strings.ReplaceAll(key, "_", " "))
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
