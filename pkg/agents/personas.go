package agents

import (
	"fmt"
	"time"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/llm"
)

// Critic names.
const (
	TechnicalCritic = "technical"
	NarrativeCritic = "narrative"
	AudienceCritic  = "audience"
)

func thresholdLine(c contracts.Criteria) string {
	return fmt.Sprintf("\n\nThe production only accepts work you score at least %.1f.", c.Threshold)
}

// NewTechnicalCritic judges producibility and, for the visual bible,
// completeness and consistency with the script.
func NewTechnicalCritic(client llm.Client) *Critic {
	return &Critic{
		name:   TechnicalCritic,
		client: client,
		now:    time.Now,
		system: func(_ Vision, c contracts.Criteria) string {
			return `You are a technical director reviewing material for production feasibility.

Evaluate:
1. Visual clarity - Are scenes clearly described and visualizable?
2. Technical feasibility - Can this be produced with AI image/video generation?
3. Scene complexity - Are there too many complex effects or actions?
4. Continuity - Are there clear scene transitions and consistent details?

Score 0-10 where:
- 9-10: Excellent, highly producible
- 7-8: Good, minor technical concerns
- 5-6: Problematic areas need revision
- 0-4: Major technical issues` + thresholdLine(c)
		},
		reviews: map[string]string{
			"": `Review this screenplay for technical production quality:

%s

Provide your evaluation in this format:
SCORE: [0-10]
STRENGTHS: [what works well technically]
ISSUES: [specific technical problems, if any]
SUGGESTIONS: [actionable improvements]`,
			PhaseConsistency: `Review this Visual Bible for completeness and production use:

%s

Check that every character in the script is described, that the palette is cohesive, that lighting templates cover the script's scenes and that style keywords are specific enough to keep generated shots consistent.

Provide your evaluation in this format:
SCORE: [0-10]
STRENGTHS: [what is well specified]
ISSUES: [missing or contradictory specifications]
SUGGESTIONS: [actionable improvements]`,
		},
	}
}

// NewNarrativeCritic judges story structure, character and theme.
func NewNarrativeCritic(client llm.Client) *Critic {
	return &Critic{
		name:   NarrativeCritic,
		client: client,
		now:    time.Now,
		system: func(v Vision, c contracts.Criteria) string {
			return fmt.Sprintf(`You are a seasoned script consultant and story editor.

The film's intended vision:
%s

Evaluate the screenplay on:
1. STRUCTURE: Clear beginning, middle, end? Proper dramatic arc?
2. CHARACTER: Are characters compelling and well-motivated?
3. DIALOGUE: Natural, purposeful, reveals character?
4. EMOTIONAL IMPACT: Does it evoke intended emotions?
5. THEME: Is the central message clear and resonant?
6. PACING: Appropriate rhythm for a short film?

Score 0-10 where:
- 9-10: Exceptional storytelling, emotionally powerful
- 7-8: Solid narrative with minor weak points
- 5-6: Structural or character issues need addressing
- 0-4: Major narrative problems`, v.brief()) + thresholdLine(c)
		},
		reviews: map[string]string{
			"": `Evaluate this short film screenplay for narrative quality:

%s

Provide detailed evaluation:

SCORE: [0-10]
STRUCTURE: [analysis of dramatic structure]
CHARACTER: [character depth and development]
DIALOGUE: [quality and naturalness of dialogue]
EMOTIONAL_IMPACT: [does it move the audience?]
THEME: [clarity and power of message]
ISSUES: [specific narrative problems, if any]
SUGGESTIONS: [actionable improvements]`,
		},
	}
}

// NewAudienceCritic judges the work as a regular viewer would.
func NewAudienceCritic(client llm.Client) *Critic {
	return &Critic{
		name:   AudienceCritic,
		client: client,
		now:    time.Now,
		system: func(v Vision, c contracts.Criteria) string {
			genre := v.Genre
			if genre == "" {
				genre = "unspecified genre"
			}
			return fmt.Sprintf(`You are an average moviegoer evaluating a %[1]s short film script.

You're NOT a film expert - you're a regular viewer who wants to be entertained.

Evaluate based on:
1. ENTERTAINMENT: Is this fun/engaging/interesting to watch?
2. CLARITY: Can I easily follow what's happening?
3. GENRE DELIVERY: Does it deliver what I expect from %[1]s?
4. EMOTIONAL ENGAGEMENT: Do I care about what happens?
5. MEMORABILITY: Will I remember this? Any standout moments?

Score 0-10 where:
- 9-10: I loved it! Would watch again and recommend
- 7-8: Pretty good, enjoyed it
- 5-6: Meh, some good parts but has issues
- 0-4: Boring, confusing, or disappointing

Be honest and straightforward.`, genre) + thresholdLine(c)
		},
		reviews: map[string]string{
			"": `You just read this short film script. What did you think?

%s

Give your honest review as a regular viewer:

SCORE: [0-10]
WHAT_I_LIKED: [entertaining/engaging parts]
WHAT_CONFUSED_ME: [unclear or boring parts]
DID_IT_DELIVER: [did it meet genre expectations?]
MEMORABLE_MOMENTS: [anything that stood out?]
SUGGESTIONS: [what would make it better for you as a viewer?]`,
		},
	}
}
