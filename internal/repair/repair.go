// Package repair turns refined text back into publishable form and judges
// whether the timestamps survived.
package repair

import (
	"regexp"
	"strings"

	"github.com/doumen/vana-forja/internal/guard"
)

// Integrity verdicts.
const (
	Excellent = "excellent"
	Divergent = "divergent"
)

// DefaultContainerTags are the shortcode containers whose brackets are
// normalised.
var DefaultContainerTags = []string{"note", "hk_passage"}

var fenceRe = regexp.MustCompile("```[A-Za-z0-9_+-]*")

// Counts tracks timestamps through the repair.
type Counts struct {
	// FoundGuarded is the number of guarded timestamps in the input.
	FoundGuarded int `json:"found_guarded"`
	// Restored is the number of guarded timestamps rewritten to public form.
	Restored int `json:"restored_to_brackets"`
	// Final is the number of public timestamps in the output.
	Final int `json:"final_count"`
}

// Report is written to repair_report.json.
type Report struct {
	OK         bool   `json:"ok"`
	Timestamps Counts `json:"timestamps"`
	Integrity  string `json:"integrity"`
	Tolerance  int    `json:"tolerance"`
}

// Clean reports whether the verdict lets the document publish without
// review.
func (r *Report) Clean() bool { return r.Integrity == Excellent }

// Option configures a [Repairer].
type Option func(*Repairer)

// WithTolerance accepts up to n timestamps gained or lost as excellent.
// Zero, the default, requires an exact match.
func WithTolerance(n int) Option {
	return func(r *Repairer) { r.tolerance = max(n, 0) }
}

// WithContainerTags replaces [DefaultContainerTags].
func WithContainerTags(tags ...string) Option {
	return func(r *Repairer) { r.tags = tags }
}

// Repairer restores guarded timestamps and strips formatting noise.
type Repairer struct {
	tolerance int
	tags      []string
	tagRes    []tagRule
}

type tagRule struct {
	re          *regexp.Regexp
	replacement string
}

// New returns a Repairer.
func New(opts ...Option) *Repairer {
	r := &Repairer{tags: DefaultContainerTags}
	for _, o := range opts {
		o(r)
	}
	for _, tag := range r.tags {
		q := regexp.QuoteMeta(tag)
		r.tagRes = append(r.tagRes,
			tagRule{regexp.MustCompile(`\[\s*` + q + `\s*\]`), "[" + tag + "]"},
			tagRule{regexp.MustCompile(`\[\s*/\s*` + q + `\s*\]`), "[/" + tag + "]"},
		)
	}
	return r
}

// Repair restores guarded timestamps in text to canonical public form,
// removes code fences, tightens container tags and trims the result.
//
// The verdict compares the public timestamps in the output with the guarded
// ones found on input. A mismatch beyond the tolerance is reported as
// [Divergent]; the text is never altered to hide it.
func (r *Repairer) Repair(text string) (string, *Report) {
	rep := &Report{OK: true, Tolerance: r.tolerance}
	rep.Timestamps.FoundGuarded = guard.CountGuarded(text)

	out, restored := guard.Restore(text)
	rep.Timestamps.Restored = restored

	out = r.sanitize(out)
	rep.Timestamps.Final = guard.CountPublic(out)

	diff := rep.Timestamps.Final - rep.Timestamps.FoundGuarded
	if diff < 0 {
		diff = -diff
	}
	rep.Integrity = Excellent
	if diff > r.tolerance {
		rep.Integrity = Divergent
	}
	return out, rep
}

func (r *Repairer) sanitize(text string) string {
	text = fenceRe.ReplaceAllString(text, "")
	for _, rule := range r.tagRes {
		text = rule.re.ReplaceAllLiteralString(text, rule.replacement)
	}
	return strings.TrimSpace(text)
}
