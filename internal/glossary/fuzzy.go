package glossary

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.93
)

// FuzzyOption configures a [Fuzzy] resolver.
type FuzzyOption func(*Fuzzy)

// WithPhoneticThreshold sets the Jaro-Winkler floor for keys that also share
// a Double Metaphone code with the reference. Default: 0.85.
func WithPhoneticThreshold(threshold float64) FuzzyOption {
	return func(f *Fuzzy) { f.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the Jaro-Winkler floor for keys without phonetic
// overlap. Default: 0.93.
func WithFuzzyThreshold(threshold float64) FuzzyOption {
	return func(f *Fuzzy) { f.fuzzyThreshold = threshold }
}

// Fuzzy resolves references that the editor spelled slightly differently
// from the glossary ("Bhagavad-gita 2.13" for "bhagavad gita 2.13"). Exact
// matches win. Otherwise a key is a candidate only when its numbers equal the
// reference's numbers, so a verse never resolves to its neighbour; candidates
// are ranked by Jaro-Winkler similarity.
//
// Fuzzy is read-only after construction and safe for concurrent use.
type Fuzzy struct {
	table             *Table
	keys              []fuzzyKey
	phoneticThreshold float64
	fuzzyThreshold    float64
}

type fuzzyKey struct {
	key     string
	letters string
	digits  string
	codes   map[string]struct{}
}

// NewFuzzy wraps t.
func NewFuzzy(t *Table, opts ...FuzzyOption) *Fuzzy {
	f := &Fuzzy{
		table:             t,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(f)
	}
	for _, k := range t.Keys() {
		f.keys = append(f.keys, newFuzzyKey(k))
	}
	return f
}

// Len implements [Resolver].
func (f *Fuzzy) Len() int { return f.table.Len() }

// Lookup implements [Resolver].
func (f *Fuzzy) Lookup(key string) (string, bool) {
	if v, ok := f.table.Lookup(key); ok {
		return v, true
	}
	match, ok := f.Match(key)
	if !ok {
		return "", false
	}
	return f.table.Lookup(match)
}

// Match returns the glossary key closest to ref.
func (f *Fuzzy) Match(ref string) (string, bool) {
	in := newFuzzyKey(NormalizeKey(ref))
	if in.letters == "" {
		return "", false
	}

	var (
		best     string
		score    float64
		phonetic bool
	)
	for _, k := range f.keys {
		if k.digits != in.digits {
			continue
		}
		s := matchr.JaroWinkler(in.letters, k.letters, false)
		if p := codesOverlap(in.codes, k.codes); p {
			if s >= f.phoneticThreshold && (!phonetic || s > score) {
				best, score, phonetic = k.key, s, true
			}
		} else if !phonetic && s >= f.fuzzyThreshold && s > score {
			best, score = k.key, s
		}
	}
	return best, best != ""
}

// newFuzzyKey splits key into its letter skeleton (separators removed) and
// its digit sequence, and computes the phonetic codes of its words.
func newFuzzyKey(key string) fuzzyKey {
	var (
		letters strings.Builder
		numbers []string
		words   []string
	)
	for _, field := range strings.FieldsFunc(key, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		var w, d strings.Builder
		for _, r := range field {
			switch {
			case unicode.IsLetter(r):
				w.WriteRune(r)
			case unicode.IsDigit(r):
				d.WriteRune(r)
			}
		}
		if w.Len() > 0 {
			letters.WriteString(w.String())
			words = append(words, w.String())
		}
		if d.Len() > 0 {
			numbers = append(numbers, d.String())
		}
	}

	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return fuzzyKey{key: key, letters: letters.String(), digits: strings.Join(numbers, "."), codes: codes}
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
