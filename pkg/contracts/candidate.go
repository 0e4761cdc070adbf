package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Candidate is one generated artifact version submitted for evaluation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Candidate struct {
	Phase           string    `json:"phase"`
	Iteration       int       `json:"iteration"`
	Content         string    `json:"content"`
	MediaType       string    `json:"media_type,omitempty"`
	ContentRef      string    `json:"content_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	FeedbackApplied bool      `json:"feedback_applied"`
	FeedbackFrom    int       `json:"feedback_from,omitempty"`
}

// Digest returns the sha256 of the NFC-normalized content, prefixed
// "sha256:" like artifact store references.
func (c Candidate) Digest() string {
	sum := sha256.Sum256([]byte(NormalizeContent(c.Content)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NormalizeContent returns s in Unicode NFC form so that visually identical
// drafts hash identically.
func NormalizeContent(s string) string {
	return norm.NFC.String(s)
}

// Evaluation is one evaluator's judgement of one candidate.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Evaluation struct {
	Evaluator   string    `json:"evaluator"`
	Score       float64   `json:"score"`
	Pass        bool      `json:"pass"`
	Feedback    string    `json:"feedback"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Unavailable bool      `json:"unavailable,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Verdict is the aggregated outcome of a tribunal run.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Verdict struct {
	Accept         bool         `json:"accept"`
	Threshold      float64      `json:"threshold"`
	Evaluations    []Evaluation `json:"evaluations"`
	Failing        []string     `json:"failing,omitempty"`
	Average        float64      `json:"average"`
	MinScore       float64      `json:"min_score"`
	MergedFeedback string       `json:"merged_feedback,omitempty"`
	PolicyVeto     string       `json:"policy_veto,omitempty"`
}
