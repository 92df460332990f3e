package forge

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/doumen/vana-forja/internal/artifact"
	"github.com/doumen/vana-forja/internal/glossary"
)

// Publication statuses.
const (
	StatusClean       = "clean"
	StatusNeedsReview = "needs-review"
)

// Publication is a finished document handed to a [Publisher].
type Publication struct {
	DocumentID string              `json:"document_id"`
	RunID      string              `json:"run_id"`
	SourceURL  string              `json:"source_url,omitempty"`
	Status     string              `json:"status"`
	Text       string              `json:"-"`
	Fragments  []glossary.Fragment `json:"fragments"`
}

// Publisher delivers finished documents.
type Publisher interface {
	Publish(ctx context.Context, p Publication) error
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(ctx context.Context, p Publication) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, p Publication) error { return f(ctx, p) }

// DirPublisher writes each publication to <dir>/<document id>/ as
// document.txt plus a manifest.json describing it.
type DirPublisher struct {
	dir string
	now func() time.Time
}

// NewDirPublisher returns a [DirPublisher] rooted at dir.
func NewDirPublisher(dir string) *DirPublisher {
	return &DirPublisher{dir: dir, now: time.Now}
}

type manifest struct {
	Publication
	PublishedAt time.Time `json:"published_at"`
}

// Publish implements [Publisher]. Republishing a document replaces it.
func (p *DirPublisher) Publish(ctx context.Context, pub Publication) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := artifact.Open(filepath.Join(p.dir, pub.DocumentID))
	if err != nil {
		return fmt.Errorf("forge: publish: %w", err)
	}
	if pub.Fragments == nil {
		pub.Fragments = []glossary.Fragment{}
	}
	if err := d.WriteText("document.txt", pub.Text); err != nil {
		return fmt.Errorf("forge: publish: %w", err)
	}
	if err := d.WriteJSON("manifest.json", manifest{Publication: pub, PublishedAt: p.now().UTC()}); err != nil {
		return fmt.Errorf("forge: publish: %w", err)
	}
	return nil
}
