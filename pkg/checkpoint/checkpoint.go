// Package checkpoint persists the progress of a session so that an
// interrupted run can resume exactly where it stopped.
//
// A checkpoint is a single JSON document per session, replaced atomically on
// every write. Documents carry a format version, a monotonic sequence number
// and a digest over their RFC 8785 canonical form; anything that fails the
// schema, version or digest checks on load is reported as corrupt.
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/xggarcia/Curt-IA/pkg/contracts"
)

// FormatVersion is written into every checkpoint.
const FormatVersion = "1.0.0"

// compatibleVersions are the checkpoint formats this build can resume.
const compatibleVersions = "^1.0.0"

var (
	// ErrNoCheckpointFound is returned when a session has no checkpoint.
	ErrNoCheckpointFound = errors.New("checkpoint: no checkpoint found")
	// ErrCheckpointCorrupt is returned when a stored checkpoint cannot be
	// trusted.
	ErrCheckpointCorrupt = errors.New("checkpoint: corrupt checkpoint")
	// ErrStaleCheckpoint is returned when a write does not advance the
	// sequence number.
	ErrStaleCheckpoint = errors.New("checkpoint: stale checkpoint")
)

// Failure describes why a session stopped.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Failure struct {
	Phase     string    `json:"phase"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Checkpoint is the complete resumable state of one session.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Checkpoint struct {
	Version   string            `json:"version"`
	Sequence  int64             `json:"sequence"`
	WrittenAt time.Time         `json:"written_at"`
	Session   contracts.Session `json:"session"`
	Phases    []contracts.Phase `json:"phases"`
	// Artifacts holds the accepted content of every accepted phase.
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Failure   *Failure          `json:"failure,omitempty"`
	Digest    string            `json:"digest"`
}

// ActivePhase returns the index of the first phase that is not accepted, or
// -1 when all phases are accepted.
func (c *Checkpoint) ActivePhase() int {
	for i, p := range c.Phases {
		if p.Status != contracts.PhaseAccepted {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of c.
func (c *Checkpoint) Clone() (*Checkpoint, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone checkpoint: %w", err)
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone checkpoint: %w", err)
	}
	return &out, nil
}

// Encode stamps c with the format version and digest and returns the stored
// form.
func Encode(c *Checkpoint) ([]byte, error) {
	c.Version = FormatVersion
	c.Digest = ""

	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	digest, err := Digest(body)
	if err != nil {
		return nil, err
	}
	c.Digest = digest

	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return append(out, '\n'), nil
}

// Decode validates and parses a stored checkpoint. Every failure wraps
// ErrCheckpointCorrupt.
func Decode(data []byte) (*Checkpoint, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing content", ErrCheckpointCorrupt)
	}
	if err := validateSchema(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}

	if err := checkVersion(c.Version); err != nil {
		return nil, err
	}

	want, err := Digest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if want != c.Digest {
		return nil, fmt.Errorf("%w: digest mismatch for session %q", ErrCheckpointCorrupt, c.Session.ID)
	}
	return &c, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrCheckpointCorrupt, v, err)
	}
	constraint, err := semver.NewConstraint(compatibleVersions)
	if err != nil {
		return fmt.Errorf("checkpoint: bad version constraint: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: unsupported format version %s (want %s)", ErrCheckpointCorrupt, v, compatibleVersions)
	}
	return nil
}

// Digest returns the sha256 over the canonical JSON of doc with its
// "digest" member removed.
func Digest(doc []byte) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	delete(m, "digest")

	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("digest: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
