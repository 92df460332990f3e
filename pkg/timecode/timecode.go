// Package timecode parses and formats the H:MM:SS timestamps that anchor a
// transcript to its source recording.
//
// The canonical rendering uses unpadded hours and two-digit minutes and
// seconds ("0:05:09", "12:00:00", "100:00:00"). Input accepts any number of
// hour digits and folds out-of-range minute and second fields into the total,
// so "0:75:00" parses to 4500 seconds and formats as "1:15:00". Every
// formatted value parses back to itself.
package timecode

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalid is returned by [Parse] when the input is not an H:MM:SS timestamp.
var ErrInvalid = errors.New("timecode: invalid timestamp")

// maxHours keeps the second count far from integer overflow.
const maxHours = 1 << 30

var pattern = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})$`)

// Timestamp is a non-negative offset into a recording, in whole seconds.
type Timestamp int

// Parse reads an H:MM:SS timestamp. Surrounding whitespace and a
// single pair of enclosing square brackets are tolerated.
func Parse(s string) (Timestamp, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(v, "[")
	v = strings.TrimSuffix(v, "]")
	m := pattern.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	h, err := strconv.Atoi(m[1])
	if err != nil || h > maxHours {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	mm, _ := strconv.Atoi(m[2])
	ss, _ := strconv.Atoi(m[3])
	return Timestamp(h*3600 + mm*60 + ss), nil
}

// Seconds returns the offset as a plain integer.
func (t Timestamp) Seconds() int { return int(t) }

// Format renders t in canonical H:MM:SS form.
func (t Timestamp) Format() string {
	total := int(t)
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// String implements [fmt.Stringer].
func (t Timestamp) String() string { return t.Format() }

// Shift moves t by offset seconds, clamping at zero. It is used to map
// timestamps from a sliced recording back onto the full one.
func (t Timestamp) Shift(offset int) Timestamp {
	v := int(t) + offset
	if v < 0 {
		return 0
	}
	return Timestamp(v)
}

// Normalize returns the canonical form of s, or s unchanged when it does not
// parse.
func Normalize(s string) string {
	t, err := Parse(s)
	if err != nil {
		return s
	}
	return t.Format()
}
