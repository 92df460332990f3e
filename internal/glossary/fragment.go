package glossary

import (
	"cmp"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/doumen/vana-forja/internal/guard"
)

var (
	openTagRe = regexp.MustCompile(`\[vana-(\w+)([^\]]*)\]`)
	attrRe    = regexp.MustCompile(`(\w+)="([^"]*)"`)
	anyTagRe  = regexp.MustCompile(`\[/?vana-\w+[^\]]*\]`)
)

// Fragment is a tagged block of the final text, such as a verse or a story,
// stored alongside the document for search.
type Fragment struct {
	VersionID string            `json:"version_id,omitempty"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Timestamp string            `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata"`
}

// Fragments extracts every `[vana-TYPE attr="v"]…[/vana-TYPE]` block from
// text. A block ends at the first closing tag of the same type; an opening
// tag without one is skipped. The title is taken from the title, ref or name
// attribute, in that order, falling back to the capitalised type. The
// timestamp is the first marker inside the block, in canonical form.
func Fragments(text, versionID string) []Fragment {
	var out []Fragment
	cursor := 0
	for _, m := range openTagRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] < cursor {
			continue
		}
		typ := text[m[2]:m[3]]
		attrs := text[m[4]:m[5]]
		closing := "[/vana-" + typ + "]"

		end := strings.Index(text[m[1]:], closing)
		if end < 0 {
			continue
		}
		content := strings.TrimSpace(text[m[1] : m[1]+end])
		cursor = m[1] + end + len(closing)

		meta := make(map[string]string)
		for _, a := range attrRe.FindAllStringSubmatch(attrs, -1) {
			meta[a[1]] = a[2]
		}

		f := Fragment{
			VersionID: versionID,
			Type:      typ,
			Title:     cmp.Or(meta["title"], meta["ref"], meta["name"], capitalize(typ)),
			Content:   content,
			Metadata:  meta,
		}
		if ts, ok := guard.FirstMarker(content); ok {
			f.Timestamp = ts
		}
		out = append(out, f)
	}
	return out
}

// StripTags removes fragment tags from text and keeps their content.
func StripTags(text string) string {
	return anyTagRe.ReplaceAllString(text, "")
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
