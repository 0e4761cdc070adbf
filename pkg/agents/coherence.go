package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/llm"
)

// ErrInvalidBible is returned when the visual bible is not valid JSON or
// does not match the schema.
var ErrInvalidBible = errors.New("invalid visual bible")

const bibleSchemaURL = "https://curt-ia.dev/schemas/visual-bible.schema.json"

const bibleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["characters", "color_palette", "lighting_templates", "style_keywords"],
  "properties": {
    "characters": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "description"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "age_range": {"type": "string"},
          "clothing": {"type": "string"},
          "distinctive_features": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "color_palette": {
      "type": "object",
      "required": ["primary", "secondary", "accent", "background"],
      "properties": {
        "primary": {"$ref": "#/$defs/hex"},
        "secondary": {"$ref": "#/$defs/hex"},
        "accent": {"$ref": "#/$defs/hex"},
        "background": {"$ref": "#/$defs/hex"},
        "mood_keywords": {"type": "array", "items": {"type": "string"}}
      }
    },
    "lighting_templates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {"name": {"type": "string", "minLength": 1}}
      }
    },
    "style_keywords": {"type": "array", "minItems": 1, "items": {"type": "string"}}
  },
  "$defs": {
    "hex": {"type": "string", "pattern": "^#[0-9A-Fa-f]{6}$"}
  }
}`

const bibleTemplate = `{
  "characters": [
    {
      "name": "character name",
      "description": "detailed physical description",
      "age_range": "age range",
      "clothing": "clothing description",
      "distinctive_features": ["feature 1", "feature 2"]
    }
  ],
  "color_palette": {
    "primary": "#HEXCODE",
    "secondary": "#HEXCODE",
    "accent": "#HEXCODE",
    "background": "#HEXCODE",
    "mood_keywords": ["keyword1", "keyword2"]
  },
  "lighting_templates": [
    {
      "name": "template name",
      "time_of_day": "time",
      "mood": "mood",
      "key_light_intensity": "intensity",
      "fill_ratio": "ratio",
      "color_temperature": "temperature"
    }
  ],
  "style_keywords": ["keyword1", "keyword2", "keyword3"]
}`

var (
	bibleOnce   sync.Once
	bibleSchema *jsonschema.Schema
	bibleErr    error
)

// ValidateBible checks a visual bible document against its schema.
func ValidateBible(doc []byte) error {
	bibleOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(bibleSchemaURL, strings.NewReader(bibleSchemaJSON)); err != nil {
			bibleErr = fmt.Errorf("add visual bible schema: %w", err)
			return
		}
		bibleSchema, bibleErr = c.Compile(bibleSchemaURL)
	})
	if bibleErr != nil {
		return bibleErr
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBible, err)
	}
	if err := bibleSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBible, err)
	}
	return nil
}

// CoherenceManager produces the visual bible that keeps characters, palette
// and lighting consistent across the film.
type CoherenceManager struct {
	client llm.Client
}

// NewCoherenceManager creates a coherence manager.
func NewCoherenceManager(client llm.Client) *CoherenceManager {
	return &CoherenceManager{client: client}
}

// Produce implements contracts.Generator. The candidate content is indented
// JSON that passed ValidateBible.
func (m *CoherenceManager) Produce(ctx context.Context, req contracts.GenerationRequest) (contracts.Candidate, error) {
	system := fmt.Sprintf(`You are a cinematographer and production designer creating a Visual Bible for a short film.

The director's vision is:
%s

Based on the script, define:
1. All characters with detailed visual descriptions
2. A cohesive color palette (provide HEX codes)
3. Lighting templates for different moods/times
4. Style keywords for overall aesthetic

Be specific and detailed. This will ensure visual consistency.`, visionFrom(req.Inputs).brief())

	script := req.Inputs[PhaseScript]
	if script == "" {
		script = req.Target.Idea
	}

	var prompt string
	if req.Revision() {
		prompt = fmt.Sprintf("Script:\n%s\n\nCURRENT VISUAL BIBLE:\n%s\n\nFEEDBACK TO ADDRESS:\n%s\n\nReturn the complete revised Visual Bible as JSON with the same structure:\n\n%s",
			script, req.Prior.Content, req.Feedback, bibleTemplate)
	} else {
		prompt = fmt.Sprintf("Script:\n%s\n\nCreate a complete Visual Bible. Format your response as JSON:\n\n%s", script, bibleTemplate)
	}

	resp, err := m.client.Chat(ctx, llm.Prompt("consistency.define", system, prompt, creativeSampling))
	if err != nil {
		return contracts.Candidate{}, generationError("coherence-manager", err)
	}

	doc, err := extractJSON(resp.Content)
	if err != nil {
		return contracts.Candidate{}, generationError("coherence-manager", err)
	}
	if err := ValidateBible(doc); err != nil {
		return contracts.Candidate{}, generationError("coherence-manager", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, doc, "", "  "); err != nil {
		return contracts.Candidate{}, generationError("coherence-manager", err)
	}
	return candidate(req, pretty.String(), MediaJSON), nil
}

// extractJSON returns the outermost {...} block of text.
func extractJSON(text string) ([]byte, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidBible)
	}
	doc := []byte(text[start : end+1])
	if !json.Valid(doc) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidBible)
	}
	return doc, nil
}
