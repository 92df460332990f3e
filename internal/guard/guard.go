// Package guard shields timestamp markers from an oracle that rewrites text.
//
// Public markers look like "[0:05:09]". Before text is handed to the oracle
// they are rewritten with mathematical white square brackets ("⟦0:05:09⟧"),
// a form models tend to copy verbatim instead of reformatting. After the
// oracle returns, [Restore] puts them back in canonical public form.
package guard

import (
	"regexp"

	"github.com/doumen/vana-forja/pkg/timecode"
)

const (
	// Open is the opening guard character (U+27E6).
	Open = "⟦"
	// Close is the closing guard character (U+27E7).
	Close = "⟧"
)

var (
	publicRe  = regexp.MustCompile(`\[(\d+:\d{2}:\d{2})\]`)
	guardedRe = regexp.MustCompile(`⟦(\d+:\d{2}:\d{2})⟧`)
)

// Protect rewrites every public marker to its guarded form. The timestamp
// literal inside is preserved as written.
func Protect(text string) string {
	return publicRe.ReplaceAllString(text, Open+"${1}"+Close)
}

// Restore rewrites every guarded marker back to a canonical public marker and
// reports how many it found.
func Restore(text string) (string, int) {
	n := 0
	out := guardedRe.ReplaceAllStringFunc(text, func(m string) string {
		n++
		inner := guardedRe.FindStringSubmatch(m)[1]
		return "[" + timecode.Normalize(inner) + "]"
	})
	return out, n
}

// CountGuarded returns the number of guarded markers in text.
func CountGuarded(text string) int {
	return len(guardedRe.FindAllStringIndex(text, -1))
}

// CountPublic returns the number of public markers in text.
func CountPublic(text string) int {
	return len(publicRe.FindAllStringIndex(text, -1))
}

// PublicMarkers returns the timestamp literals of every public marker, in
// order of appearance, without brackets.
func PublicMarkers(text string) []string {
	return submatches(publicRe, text)
}

// StripPublic removes every public marker from text.
func StripPublic(text string) string {
	return publicRe.ReplaceAllString(text, "")
}

// FirstMarker returns the first timestamp found in text, guarded or public,
// normalized. ok is false when text holds none.
func FirstMarker(text string) (ts string, ok bool) {
	g := guardedRe.FindStringSubmatchIndex(text)
	p := publicRe.FindStringSubmatchIndex(text)
	switch {
	case g == nil && p == nil:
		return "", false
	case p == nil || (g != nil && g[0] < p[0]):
		return timecode.Normalize(text[g[2]:g[3]]), true
	default:
		return timecode.Normalize(text[p[2]:p[3]]), true
	}
}

func submatches(re *regexp.Regexp, text string) []string {
	all := re.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(all))
	for _, m := range all {
		out = append(out, m[1])
	}
	return out
}

// ShiftPublic moves every public marker by offset seconds, clamping at zero.
// Markers are rewritten in canonical form.
func ShiftPublic(text string, offset int) string {
	return publicRe.ReplaceAllStringFunc(text, func(m string) string {
		t, err := timecode.Parse(m)
		if err != nil {
			return m
		}
		return "[" + t.Shift(offset).Format() + "]"
	})
}
