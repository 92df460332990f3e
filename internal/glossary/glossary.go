// Package glossary resolves scripture references left by the editor and
// extracts tagged fragments from the final text.
//
// The editor marks quotations as "[[REF: key]]". [Merge] replaces every
// reference it can resolve with a "[note]…[/note]" shortcode holding the
// glossary entry and leaves the rest in place for a human to fill in.
package glossary

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resolver looks up glossary entries by reference key.
type Resolver interface {
	// Lookup returns the entry for key. Keys are matched case-insensitively.
	Lookup(key string) (string, bool)

	// Len returns the number of entries.
	Len() int
}

// Table is an in-memory [Resolver]. The zero value is an empty table.
type Table struct {
	entries map[string]string
}

// NewTable builds a Table from key → content pairs. Blank keys or contents
// are dropped.
func NewTable(entries map[string]string) *Table {
	t := &Table{entries: make(map[string]string, len(entries))}
	for k, v := range entries {
		t.add(k, v)
	}
	return t
}

func (t *Table) add(key, content string) {
	key, content = NormalizeKey(key), strings.TrimSpace(content)
	if key == "" || content == "" {
		return
	}
	if t.entries == nil {
		t.entries = make(map[string]string)
	}
	t.entries[key] = content
}

// Lookup implements [Resolver].
func (t *Table) Lookup(key string) (string, bool) {
	v, ok := t.entries[NormalizeKey(key)]
	return v, ok
}

// Len implements [Resolver].
func (t *Table) Len() int { return len(t.entries) }

// Keys returns the normalised keys in sorted order.
func (t *Table) Keys() []string {
	return slices.Sorted(maps.Keys(t.entries))
}

// NormalizeKey lowercases key and collapses runs of whitespace.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), " ")
}

// row is one entry in list form. The Portuguese column names of the shared
// spreadsheet export are accepted alongside the English ones.
type row struct {
	Key      string `yaml:"key"`
	Chave    string `yaml:"chave"`
	Content  string `yaml:"content"`
	Conteudo string `yaml:"conteudo"`
}

// Parse reads a glossary document. Two shapes are accepted: a mapping of
// key to content, or a sequence of rows with key/content (or chave/conteudo)
// fields.
func Parse(r io.Reader) (*Table, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return NewTable(nil), nil
		}
		return nil, fmt.Errorf("glossary: decode: %w", err)
	}
	if len(doc.Content) == 0 {
		return NewTable(nil), nil
	}

	root := doc.Content[0]
	t := NewTable(nil)
	switch root.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := root.Decode(&m); err != nil {
			return nil, fmt.Errorf("glossary: decode mapping: %w", err)
		}
		for k, v := range m {
			t.add(k, v)
		}
	case yaml.SequenceNode:
		var rows []row
		if err := root.Decode(&rows); err != nil {
			return nil, fmt.Errorf("glossary: decode rows: %w", err)
		}
		for _, r := range rows {
			t.add(cmp.Or(r.Key, r.Chave), cmp.Or(r.Content, r.Conteudo))
		}
	default:
		return nil, fmt.Errorf("glossary: line %d: expected a mapping or a list", root.Line)
	}
	return t, nil
}

// LoadFile parses the glossary at path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("glossary: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
