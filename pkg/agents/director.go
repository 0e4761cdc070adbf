package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/llm"
)

const directorSystem = `You are an experienced film director defining the creative vision for a short film.
Given a film idea, you must define:
1. GENRE: The film genre (drama, comedy, sci-fi, horror, etc.)
2. TONE/MOOD: The emotional atmosphere (dark, lighthearted, mysterious, romantic, etc.)
3. PACING: The rhythm and tempo (fast-paced action, slow contemplative, varied)
4. CENTRAL MESSAGE: The core theme or message the film conveys

Be specific and clear. These parameters will guide all creative decisions.`

// Director defines the creative vision from the film idea.
type Director struct {
	client llm.Client
}

// NewDirector creates a director.
func NewDirector(client llm.Client) *Director {
	return &Director{client: client}
}

// Produce implements contracts.Generator.
func (d *Director) Produce(ctx context.Context, req contracts.GenerationRequest) (contracts.Candidate, error) {
	prompt := fmt.Sprintf(`Film Idea: %s

Define the creative vision for this short film. Provide your response in this exact format:

GENRE: [genre]
TONE: [tone/mood]
PACING: [pacing description]
MESSAGE: [central message]`, req.Target.Idea)

	resp, err := d.client.Chat(ctx, llm.Prompt("vision.define", directorSystem, prompt, creativeSampling))
	if err != nil {
		return contracts.Candidate{}, generationError("director", err)
	}

	v := ParseVision(resp.Content)
	if v.Genre == "" && v.Tone == "" && v.Message == "" {
		return contracts.Candidate{}, generationError("director", fmt.Errorf("response has no GENRE, TONE or MESSAGE line"))
	}
	return candidate(req, v.String(), MediaText), nil
}

// Review implements orchestrator.Reviewer. It checks work against the vision
// found in criteria.Inputs.
func (d *Director) Review(ctx context.Context, cand contracts.Candidate, criteria contracts.Criteria) (bool, string, error) {
	system := fmt.Sprintf(`You are a film director reviewing %s for your short film.

Your vision for this film is:
%s

Review the submitted work and determine if it aligns with this vision.
If it does NOT align, provide specific, actionable feedback for improvement.
If it DOES align, approve it to proceed to the tribunal.`, criteria.Phase, visionFrom(criteria.Inputs).brief())

	prompt := fmt.Sprintf(`Review this %s:

%s

Does this align with the creative vision?

Provide your response in this format:
APPROVED: [YES/NO]
FEEDBACK: [specific suggestions if not approved, or a brief approval note]`, criteria.Phase, cand.Content)

	resp, err := d.client.Chat(ctx, llm.Prompt(criteria.Phase+".review", system, prompt, reviewSampling))
	if err != nil {
		return false, "", fmt.Errorf("director review: %w", err)
	}
	approved, feedback := ParseApproval(resp.Content)
	return approved, feedback, nil
}

// ParseApproval reads an "APPROVED: YES|NO / FEEDBACK:" answer. A missing
// APPROVED line is a disapproval.
func ParseApproval(text string) (bool, string) {
	var (
		approved bool
		feedback string
	)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.ReplaceAll(line, "**", ""), ":")
		if !ok {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "APPROVED":
			approved = strings.HasPrefix(strings.ToUpper(strings.TrimSpace(value)), "YES")
		case "FEEDBACK":
			feedback = strings.TrimSpace(value)
		}
	}
	return approved, feedback
}
