// Package agents implements the creative generators and critics of the
// short-film pipeline on top of an llm.Client.
package agents

import (
	"fmt"
	"strings"
	"time"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/llm"
)

// Phase names of the default pipeline, in order.
const (
	PhaseVision      = "vision"
	PhaseScript      = "script"
	PhaseConsistency = "consistency-spec"
)

// Media types of generated content.
const (
	MediaText = "text/plain"
	MediaJSON = "application/json"
)

var (
	creativeSampling = &llm.SamplingOptions{Temperature: 0.7, MaxOutputTokens: 8000}
	criticSampling   = &llm.SamplingOptions{Temperature: 0.3, MaxOutputTokens: 2048}
	reviewSampling   = &llm.SamplingOptions{Temperature: 0.5, MaxOutputTokens: 2048}
)

// Vision is the director's creative brief.
type Vision struct {
	Genre   string
	Tone    string
	Pacing  string
	Message string
}

// ParseVision reads "KEY: value" lines. Unknown keys are ignored.
func ParseVision(text string) Vision {
	var v Vision
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.ReplaceAll(line, "**", ""), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Trim(strings.TrimSpace(key), "*#- "))
		value = strings.TrimSpace(value)
		switch key {
		case "genre":
			v.Genre = value
		case "tone", "tone/mood", "mood":
			v.Tone = value
		case "pacing":
			v.Pacing = value
		case "message", "central message":
			v.Message = value
		}
	}
	return v
}

// String renders the vision in the canonical four-line form.
func (v Vision) String() string {
	return fmt.Sprintf("GENRE: %s\nTONE: %s\nPACING: %s\nMESSAGE: %s", v.Genre, v.Tone, v.Pacing, v.Message)
}

func (v Vision) brief() string {
	or := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}
	return fmt.Sprintf("- Genre: %s\n- Tone: %s\n- Pacing: %s\n- Message: %s", or(v.Genre), or(v.Tone), or(v.Pacing), or(v.Message))
}

func visionFrom(inputs map[string]string) Vision {
	return ParseVision(inputs[PhaseVision])
}

func candidate(req contracts.GenerationRequest, content, mediaType string) contracts.Candidate {
	return contracts.Candidate{
		Phase:           req.Phase,
		Iteration:       req.Iteration,
		Content:         strings.TrimSpace(content),
		MediaType:       mediaType,
		CreatedAt:       time.Now().UTC(),
		FeedbackApplied: req.Revision() && req.Feedback != "",
		FeedbackFrom:    req.FeedbackFrom,
	}
}

func generationError(agent string, err error) error {
	return fmt.Errorf("%w: %s: %w", contracts.ErrGeneration, agent, err)
}
