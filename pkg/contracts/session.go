package contracts

import "time"

// SessionStatus is the lifecycle state of a production run.
type SessionStatus string

// Session status constants.
const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further progress is possible for the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Target carries the user-facing goals of a session.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Target struct {
	Idea            string  `json:"idea"`
	DurationSeconds int     `json:"duration_seconds"`
	Threshold       float64 `json:"threshold"`
	MaxIterations   int     `json:"max_iterations"`
	OutputDir       string  `json:"output_dir"`
	BaseScript      string  `json:"base_script,omitempty"`
}

// Session is one end-to-end production run.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Session struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Target       Target        `json:"target"`
	CurrentPhase string        `json:"current_phase"`
	Status       SessionStatus `json:"status"`
	Archived     bool          `json:"archived,omitempty"`
}

// PhaseStatus is the lifecycle state of a single phase.
type PhaseStatus string

// Phase status constants.
const (
	PhasePending  PhaseStatus = "pending"
	PhaseActive   PhaseStatus = "active"
	PhaseAccepted PhaseStatus = "accepted"
	PhaseFailed   PhaseStatus = "failed"
)

// Phase is a named stage of the pipeline.
//
// Iteration counts the iterations whose outcome has been recorded in
// History. Budget is the iteration ceiling, including any extra iterations
// granted by a threshold relaxation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Phase struct {
	Name        string            `json:"name"`
	Ordinal     int               `json:"ordinal"`
	Status      PhaseStatus       `json:"status"`
	Iteration   int               `json:"iteration"`
	Budget      int               `json:"budget"`
	Threshold   float64           `json:"threshold"`
	Relaxations int               `json:"relaxations"`
	Degraded    bool              `json:"degraded,omitempty"`
	BestRef     *ArtifactRef      `json:"best_ref,omitempty"`
	AcceptedRef *ArtifactRef      `json:"accepted_ref,omitempty"`
	Pending     *Candidate        `json:"pending,omitempty"`
	History     []IterationRecord `json:"history,omitempty"`
	Decisions   []string          `json:"decisions,omitempty"`
}

// ArtifactRef points to a candidate recorded in a phase's history.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ArtifactRef struct {
	Iteration  int     `json:"iteration"`
	Average    float64 `json:"average"`
	ContentRef string  `json:"content_ref,omitempty"`
}

// IterationRecord is the recorded outcome of one iteration: either a
// verdict on a candidate, or a generation failure.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type IterationRecord struct {
	Iteration       int        `json:"iteration"`
	Candidate       *Candidate `json:"candidate,omitempty"`
	Verdict         *Verdict   `json:"verdict,omitempty"`
	GenerationError string     `json:"generation_error,omitempty"`
	Threshold       float64    `json:"threshold"`
	RecordedAt      time.Time  `json:"recorded_at"`
}

// Accepted reports whether the iteration's verdict accepted the candidate.
func (r IterationRecord) Accepted() bool {
	return r.Verdict != nil && r.Verdict.Accept
}

// LastFeedback returns the merged feedback of the most recent iteration that
// reached the tribunal, or "" when none did.
func (p *Phase) LastFeedback() (string, int) {
	for i := len(p.History) - 1; i >= 0; i-- {
		if v := p.History[i].Verdict; v != nil {
			return v.MergedFeedback, p.History[i].Iteration
		}
	}
	return "", 0
}

// LastCandidate returns the most recently generated candidate, if any.
func (p *Phase) LastCandidate() *Candidate {
	for i := len(p.History) - 1; i >= 0; i-- {
		if c := p.History[i].Candidate; c != nil {
			return c
		}
	}
	return nil
}

// Best returns the highest-scoring evaluated iteration. Ties go to the
// earliest iteration. Returns nil when no iteration reached the tribunal.
func (p *Phase) Best() *IterationRecord {
	var best *IterationRecord
	for i := range p.History {
		r := &p.History[i]
		if r.Verdict == nil || r.Candidate == nil {
			continue
		}
		if best == nil || r.Verdict.Average > best.Verdict.Average {
			best = r
		}
	}
	return best
}
