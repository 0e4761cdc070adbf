package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
)

// Backend stores opaque checkpoint documents by session ID.
type Backend interface {
	// Get returns ErrNoCheckpointFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put atomically replaces the document stored under key.
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every stored key, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Location describes where key lives, for operators.
	Location(key string) string
	Close() error
}

// Summary describes one stored session for listings.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Summary struct {
	SessionID    string                  `json:"session_id"`
	Idea         string                  `json:"idea,omitempty"`
	Status       contracts.SessionStatus `json:"status"`
	CurrentPhase string                  `json:"current_phase"`
	Iteration    int                     `json:"iteration"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Location     string                  `json:"location"`
	Corrupt      bool                    `json:"corrupt,omitempty"`
}

// Store reads and writes validated checkpoints through a Backend.
// Writes for one session are totally ordered by sequence number.
type Store struct {
	backend Backend
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewStore wraps a backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		logger:  slog.Default().With("component", "checkpoint"),
	}
}

// Save encodes and stores cp. cp.Sequence must be greater than that of the
// stored checkpoint, if any.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.Session.ID == "" {
		return errors.New("checkpoint: session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.load(ctx, cp.Session.ID)
	switch {
	case errors.Is(err, ErrNoCheckpointFound):
	case err != nil:
		return fmt.Errorf("checkpoint: read previous: %w", err)
	case prev.Sequence >= cp.Sequence:
		return fmt.Errorf("%w: session %q sequence %d does not advance %d",
			ErrStaleCheckpoint, cp.Session.ID, cp.Sequence, prev.Sequence)
	}

	data, err := Encode(cp)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, cp.Session.ID, data); err != nil {
		return fmt.Errorf("checkpoint: write session %q: %w", cp.Session.ID, err)
	}

	s.logger.DebugContext(ctx, "checkpoint written",
		"session_id", cp.Session.ID,
		"sequence", cp.Sequence,
		"status", cp.Session.Status,
		"phase", cp.Session.CurrentPhase,
	)
	return nil
}

// Load returns the latest checkpoint for sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, sessionID)
}

func (s *Store) load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	data, err := s.backend.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cp, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sessionID, err)
	}
	if cp.Session.ID != sessionID {
		return nil, fmt.Errorf("%w: stored under %q but belongs to %q", ErrCheckpointCorrupt, sessionID, cp.Session.ID)
	}
	return cp, nil
}

// List summarizes every stored session, most recently updated first.
// Corrupt checkpoints are listed and flagged rather than skipped.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}

	out := make([]Summary, 0, len(keys))
	for _, key := range keys {
		sum := Summary{SessionID: key, Location: s.backend.Location(key)}
		cp, err := s.load(ctx, key)
		if err != nil {
			sum.Corrupt = true
			out = append(out, sum)
			continue
		}
		sum.Idea = cp.Session.Target.Idea
		sum.Status = cp.Session.Status
		sum.CurrentPhase = cp.Session.CurrentPhase
		sum.UpdatedAt = cp.Session.UpdatedAt
		if i := cp.ActivePhase(); i >= 0 {
			sum.Iteration = cp.Phases[i].Iteration
		}
		out = append(out, sum)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes the checkpoint of sessionID.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Delete(ctx, sessionID)
}

// Location describes where the checkpoint of sessionID is stored.
func (s *Store) Location(sessionID string) string {
	return s.backend.Location(sessionID)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
