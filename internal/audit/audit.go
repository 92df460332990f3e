// Package audit gates raw transcripts before any oracle spend.
//
// A transcript passes when it has enough words per covered minute, enough
// timestamps per minute, and timestamps that never run backwards. Thin or
// garbled transcription output fails at least one of these and is rejected
// instead of being sent for refinement.
package audit

import (
	"fmt"
	"math"
	"strings"

	"github.com/doumen/vana-forja/internal/guard"
	"github.com/doumen/vana-forja/pkg/timecode"
)

// Default thresholds.
const (
	DefaultMinWPM              = 25.0
	DefaultMinMarkersPerMinute = 0.5
)

// Thresholds are the pass floors. Zero fields take the defaults.
type Thresholds struct {
	MinWPM              float64 `yaml:"min_wpm" json:"min_wpm"`
	MinMarkersPerMinute float64 `yaml:"min_markers_per_minute" json:"min_markers_per_minute"`
}

// Metrics are the measured values, rounded to two decimals.
type Metrics struct {
	WPM              float64 `json:"wpm"`
	MarkersPerMinute float64 `json:"ts_per_minute"`
	WordCount        int     `json:"word_count"`
	MarkerCount      int     `json:"marker_count"`
	DurationMinutes  float64 `json:"duration_minutes"`
}

// Checks holds the outcome of each independent check.
type Checks struct {
	DensityPass  bool `json:"density_pass"`
	MarkersPass  bool `json:"timestamps_pass"`
	SequencePass bool `json:"sequence_pass"`
}

// Report is the audit verdict. It is written to audit_raw.json.
type Report struct {
	OK      bool    `json:"ok"`
	Metrics Metrics `json:"metrics"`
	Checks  Checks  `json:"checks"`

	// Reasons explains a failure, one entry per failed check in the order
	// density, markers, sequence. Empty on success.
	Reasons []string `json:"reasons,omitempty"`

	// FirstInversion is the index of the first timestamp that is earlier
	// than its predecessor, or nil when the sequence is monotonic.
	FirstInversion *int `json:"first_inversion,omitempty"`
}

// Auditor applies [Thresholds] to transcripts.
type Auditor struct {
	th Thresholds
}

// New returns an Auditor with th, falling back to the defaults for unset
// fields.
func New(th Thresholds) *Auditor {
	if th.MinWPM <= 0 {
		th.MinWPM = DefaultMinWPM
	}
	if th.MinMarkersPerMinute <= 0 {
		th.MinMarkersPerMinute = DefaultMinMarkersPerMinute
	}
	return &Auditor{th: th}
}

// Thresholds returns the effective floors.
func (a *Auditor) Thresholds() Thresholds { return a.th }

// Audit measures text, whose timestamps are in public form, against a
// recording that covers coverageSeconds. Durations under a minute count as
// one minute.
func (a *Auditor) Audit(text string, coverageSeconds float64) *Report {
	markers := guard.PublicMarkers(text)
	words := len(strings.Fields(guard.StripPublic(text)))
	minutes := max(1, coverageSeconds/60)

	wpm := float64(words) / minutes
	density := float64(len(markers)) / minutes
	inversion := firstInversion(markers)

	r := &Report{
		Metrics: Metrics{
			WPM:              round2(wpm),
			MarkersPerMinute: round2(density),
			WordCount:        words,
			MarkerCount:      len(markers),
			DurationMinutes:  round2(minutes),
		},
		Checks: Checks{
			DensityPass:  wpm >= a.th.MinWPM,
			MarkersPass:  density >= a.th.MinMarkersPerMinute,
			SequencePass: inversion < 0,
		},
	}
	r.OK = r.Checks.DensityPass && r.Checks.MarkersPass && r.Checks.SequencePass

	if !r.Checks.DensityPass {
		r.Reasons = append(r.Reasons, fmt.Sprintf("speech density too low (%.1f WPM, minimum %.1f)", wpm, a.th.MinWPM))
	}
	if !r.Checks.MarkersPass {
		r.Reasons = append(r.Reasons, fmt.Sprintf("too few timestamps (%.2f/min, minimum %.2f)", density, a.th.MinMarkersPerMinute))
	}
	if !r.Checks.SequencePass {
		r.FirstInversion = &inversion
		r.Reasons = append(r.Reasons, fmt.Sprintf("timestamps out of order ([%s] follows [%s])",
			timecode.Normalize(markers[inversion]), timecode.Normalize(markers[inversion-1])))
	}
	return r
}

// firstInversion returns the index of the first marker earlier than the one
// before it, or -1. Equal neighbours are not an inversion.
func firstInversion(markers []string) int {
	prev := timecode.Timestamp(-1)
	for i, m := range markers {
		ts, err := timecode.Parse(m)
		if err != nil {
			continue
		}
		if ts < prev {
			return i
		}
		prev = ts
	}
	return -1
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
