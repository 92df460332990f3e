// Package artifact persists the per-document outputs of a run: stage
// reports as JSON and intermediate texts. Every write is atomic, so a
// concurrent reader or a crash never leaves a half-written artifact.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/doumen/vana-forja/internal/fsutil"
)

// Artifact file names.
const (
	AuditReport  = "audit_raw.json"
	EditorStats  = "editor_stats.json"
	RepairReport = "repair_report.json"
	MergerReport = "merger_report.json"
	Fragments    = "fragments.json"
	RunReport    = "stats.json"
	EditedText   = "edited.txt"
	RepairedText = "edited_repaired.txt"
	FinalText    = "final.txt"
)

// Dir is the artifact directory of one document.
type Dir struct {
	path string
}

// Open returns the artifact directory at path, creating it if needed.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// File returns the path of the named artifact.
func (d *Dir) File(name string) string { return filepath.Join(d.path, name) }

// WriteJSON stores v as indented JSON. Non-ASCII text is kept as is.
func (d *Dir) WriteJSON(name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("artifact: encode %s: %w", name, err)
	}
	return d.write(name, buf.Bytes())
}

// WriteText stores text.
func (d *Dir) WriteText(name, text string) error {
	return d.write(name, []byte(text))
}

func (d *Dir) write(name string, data []byte) error {
	if err := fsutil.WriteFileAtomic(d.File(name), data, 0o644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	return nil
}

// ReadJSON decodes the named artifact into v. It returns [fs.ErrNotExist]
// (wrapped) when the artifact is missing.
func (d *Dir) ReadJSON(name string, v any) error {
	data, err := os.ReadFile(d.File(name))
	if err != nil {
		return fmt.Errorf("artifact: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("artifact: decode %s: %w", name, err)
	}
	return nil
}

// ReadText returns the named text artifact.
func (d *Dir) ReadText(name string) (string, error) {
	data, err := os.ReadFile(d.File(name))
	if err != nil {
		return "", fmt.Errorf("artifact: read %s: %w", name, err)
	}
	return string(data), nil
}

// Exists reports whether the named artifact is present.
func (d *Dir) Exists(name string) bool {
	_, err := os.Stat(d.File(name))
	return !errors.Is(err, fs.ErrNotExist)
}
