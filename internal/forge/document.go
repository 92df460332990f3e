package forge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/doumen/vana-forja/internal/guard"
)

// MetaSuffix is appended to a transcript path to find its metadata file.
const MetaSuffix = ".meta"

// Document is one raw transcript entering the pipeline.
type Document struct {
	// ID names the artifact directory and the publication.
	ID   string
	Text string

	// CoverageSeconds is the duration of audio the transcript covers.
	CoverageSeconds float64
	SourceURL       string
}

// Meta is the JSON sidecar written next to a transcript by the
// transcription step.
type Meta struct {
	ID              string  `json:"id,omitempty"`
	CoverageSeconds float64 `json:"coverage_seconds"`
	SourceURL       string  `json:"source_url,omitempty"`

	// OffsetSeconds is where the transcribed slice starts in the full
	// recording. Markers are shifted by it on load.
	OffsetSeconds int `json:"offset_seconds,omitempty"`
}

// LoadDocument reads the transcript at path and, when present, its
// path+".meta" sidecar. Without a sidecar, or when it names no ID, the ID is
// the file name without extension. A sidecar offset moves every marker onto
// the full recording's timeline.
func LoadDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("forge: read transcript: %w", err)
	}

	var meta Meta
	data, err := os.ReadFile(path + MetaSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("forge: read meta: %w", err)
	default:
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("forge: decode %s: %w", path+MetaSuffix, err)
		}
	}

	id := meta.ID
	if id == "" {
		base := filepath.Base(path)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	text := string(raw)
	if meta.OffsetSeconds != 0 {
		text = guard.ShiftPublic(text, meta.OffsetSeconds)
	}
	return &Document{
		ID:              id,
		Text:            text,
		CoverageSeconds: meta.CoverageSeconds,
		SourceURL:       meta.SourceURL,
	}, nil
}
