package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/llm"
)

const revisionRules = `REVISION INSTRUCTIONS:

CRITICAL RULES:
1. PRESERVE ALL STORY BEATS: Maintain the same plot points, actions, and story progression
2. PRESERVE ALL SCENES: Keep all existing scenes unless feedback explicitly requires removal
3. PRESERVE CHARACTER ACTIONS: Keep the same character beats and key moments
4. IMPROVE EXECUTION: Enhance dialogue, descriptions, pacing, visual clarity WITHOUT changing the story

If feedback explicitly suggests removing a scene or story element, note it at the top of your revision:
"INTENTIONAL DELETION: [what was removed and why]"

Provide the COMPLETE revised screenplay below:`

// Scriptwriter writes and revises the screenplay.
type Scriptwriter struct {
	client llm.Client
}

// NewScriptwriter creates a scriptwriter.
func NewScriptwriter(client llm.Client) *Scriptwriter {
	return &Scriptwriter{client: client}
}

// Produce implements contracts.Generator. A revision request rewrites the
// prior candidate; a first iteration with a base script polishes it.
func (s *Scriptwriter) Produce(ctx context.Context, req contracts.GenerationRequest) (contracts.Candidate, error) {
	system := s.system(visionFrom(req.Inputs), req.Target.DurationSeconds)

	var prompt, op string
	switch {
	case req.Revision():
		op = "script.revise"
		prompt = fmt.Sprintf("CURRENT SCRIPT (REVISION #%d):\n\n%s\n\nFEEDBACK TO ADDRESS:\n%s\n\n%s",
			req.Prior.Iteration, req.Prior.Content, req.Feedback, revisionRules)
	case strings.TrimSpace(req.Target.BaseScript) != "":
		op = "script.refine"
		prompt = fmt.Sprintf("Film Concept: %s\n\nEXISTING SCRIPT TO REFINE:\n\n%s\n\n%s",
			req.Target.Idea, req.Target.BaseScript, revisionRules)
	default:
		op = "script.write"
		prompt = fmt.Sprintf("Film Concept: %s\n\nWrite a complete short film screenplay based on this concept.\nFollow the director's vision and standard format.\n\nBEGIN SCREENPLAY:",
			req.Target.Idea)
	}

	resp, err := s.client.Chat(ctx, llm.Prompt(op, system, prompt, creativeSampling))
	if err != nil {
		return contracts.Candidate{}, generationError("scriptwriter", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return contracts.Candidate{}, generationError("scriptwriter", fmt.Errorf("empty screenplay"))
	}
	return candidate(req, resp.Content, MediaText), nil
}

func (s *Scriptwriter) system(v Vision, seconds int) string {
	if seconds <= 0 {
		seconds = 60
	}
	return fmt.Sprintf(`You are an experienced screenwriter creating a short film screenplay.

Director's Vision:
%s

Target Duration: ~%d seconds

Write in standard screenplay format:
- Use INT./EXT. for scene headings
- Write action lines in present tense
- Character names in CAPS before dialogue
- Keep it concise and visual

Focus on:
1. Strong visual storytelling
2. Clear emotional arc
3. Economical dialogue
4. Cinematic moments that can be visualized`, v.brief(), seconds)
}
