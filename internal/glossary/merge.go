package glossary

import (
	"html"
	"regexp"
	"strings"
)

// Glossary availability reported in [MergeReport.GlossaryStatus].
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var refRe = regexp.MustCompile(`(?i)\[\[REF:\s*(.+?)\s*\]\]`)

// RefStats counts references seen during a merge.
type RefStats struct {
	Found      int      `json:"found"`
	Resolved   int      `json:"resolved"`
	Unresolved []string `json:"unresolved"`
}

// MergeReport is written to merger_report.json.
type MergeReport struct {
	OK              bool     `json:"ok"`
	GlossaryStatus  string   `json:"glossary_status"`
	GlossaryEntries int      `json:"glossary_entries"`
	Refs            RefStats `json:"refs"`
}

// Merge replaces each "[[REF: key]]" in text with "[note]entry[/note]",
// HTML-escaping the entry so it cannot break the shortcode. References that
// do not resolve stay as written and are listed in the report. A nil
// resolver merges nothing and reports the glossary as offline.
func Merge(text string, r Resolver) (string, *MergeReport) {
	rep := &MergeReport{
		OK:             true,
		GlossaryStatus: StatusOnline,
		Refs:           RefStats{Unresolved: []string{}},
	}
	if r == nil {
		rep.GlossaryStatus = StatusOffline
	} else {
		rep.GlossaryEntries = r.Len()
	}

	out := refRe.ReplaceAllStringFunc(text, func(m string) string {
		rep.Refs.Found++
		key := NormalizeKey(refRe.FindStringSubmatch(m)[1])
		if r != nil {
			if v, ok := r.Lookup(key); ok {
				rep.Refs.Resolved++
				return "[note]" + html.EscapeString(v) + "[/note]"
			}
		}
		rep.Refs.Unresolved = append(rep.Refs.Unresolved, key)
		return m
	})
	return out, rep
}

// References returns the normalised keys of every reference in text, in
// order of appearance.
func References(text string) []string {
	var keys []string
	for _, m := range refRe.FindAllStringSubmatch(text, -1) {
		keys = append(keys, NormalizeKey(strings.TrimSpace(m[1])))
	}
	return keys
}
