// Package chunk splits guarded text into oracle-sized pieces at paragraph
// boundaries.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk budget used when callers pass a non-positive
// limit.
const DefaultMaxChars = 12000

const separator = "\n"

// Chunk is a contiguous slice of the input. Index is its position in the
// output of [Split].
type Chunk struct {
	Index int
	Text  string
}

// Split groups the newline-separated paragraphs of text into chunks of at most
// maxChars runes, counting one separator per paragraph. A paragraph longer than
// maxChars becomes a chunk of its own and is never cut. Empty text yields no
// chunks.
func Split(text string, maxChars int) []Chunk {
	if text == "" {
		return nil
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	var (
		chunks  []Chunk
		current []string
		length  int
	)
	flush := func() {
		chunks = append(chunks, Chunk{Index: len(chunks), Text: strings.Join(current, separator)})
		current = current[:0]
		length = 0
	}
	for _, para := range strings.Split(text, separator) {
		n := utf8.RuneCountInString(para) + 1
		if len(current) > 0 && length+n > maxChars {
			flush()
		}
		current = append(current, para)
		length += n
	}
	if len(current) > 0 {
		flush()
	}
	return chunks
}

// Join reassembles chunks produced by [Split] into the original text.
func Join(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, separator)
}
