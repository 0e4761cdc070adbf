package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputDir writes the human-readable files of one session: every draft,
// every tribunal report and the final artifact of each phase.
type OutputDir struct {
	dir string
}

// NewOutputDir creates dir if needed.
func NewOutputDir(dir string) (*OutputDir, error) {
	//nolint:gosec // G301: user-facing output directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure output dir: %w", err)
	}
	return &OutputDir{dir: dir}, nil
}

// Path returns the directory.
func (o *OutputDir) Path() string { return o.dir }

// WriteDraft writes <phase>_draft_<n>.txt.
func (o *OutputDir) WriteDraft(phase string, iteration int, content string) (string, error) {
	return o.write(fmt.Sprintf("%s_draft_%d.txt", fileStem(phase), iteration), content)
}

// WriteReport writes <phase>_feedback_iteration_<n>.txt.
func (o *OutputDir) WriteReport(phase string, iteration int, report string) (string, error) {
	return o.write(fmt.Sprintf("%s_feedback_iteration_%d.txt", fileStem(phase), iteration), report)
}

// WriteFinal writes final_<phase>.txt.
func (o *OutputDir) WriteFinal(phase string, content string) (string, error) {
	return o.write(fmt.Sprintf("final_%s.txt", fileStem(phase)), content)
}

func (o *OutputDir) write(name, content string) (string, error) {
	path := filepath.Join(o.dir, name)
	//nolint:gosec // G306: readable output files
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// fileStem turns a phase name into a safe file name fragment.
func fileStem(phase string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, phase)
}
