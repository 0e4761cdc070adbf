package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionPaused is returned when quota exhaustion or cancellation
	// stopped the session. The session can be resumed.
	ErrSessionPaused = errors.New("orchestrator: session paused")
	// ErrSessionFinished is returned when resuming a completed or failed
	// session.
	ErrSessionFinished = errors.New("orchestrator: session already finished")
	// ErrPhaseFailed is returned when the deadlock breaker fails a phase.
	ErrPhaseFailed = errors.New("orchestrator: phase failed")
	// ErrPhaseOrder is returned when a checkpoint shows a phase started
	// before its predecessor was accepted.
	ErrPhaseOrder = errors.New("orchestrator: phase order violated")
	// ErrPipelineMismatch is returned when a checkpoint was written by a
	// pipeline with different phases.
	ErrPipelineMismatch = errors.New("orchestrator: checkpoint does not match pipeline")
	// ErrInvalidTarget is returned for an unusable session target.
	ErrInvalidTarget = errors.New("orchestrator: invalid target")
)

// RunError reports where a session stopped and where its last good
// checkpoint lives.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type RunError struct {
	SessionID  string
	Phase      string
	Iteration  int
	Checkpoint string
	Err        error
}

func (e *RunError) Error() string {
	loc := e.Checkpoint
	if loc == "" {
		loc = "none"
	}
	return fmt.Sprintf("session %s: phase %q iteration %d: %v (last checkpoint: %s)",
		e.SessionID, e.Phase, e.Iteration, e.Err, loc)
}

func (e *RunError) Unwrap() error { return e.Err }

// Paused reports whether the session can be resumed as is.
func (e *RunError) Paused() bool {
	return errors.Is(e.Err, ErrSessionPaused)
}
