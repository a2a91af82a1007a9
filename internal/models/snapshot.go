package models

import (
	"sort"
	"strings"
)

// Table holds the rows of one relational table as rendered cell values.
// Columns are kept for exports only; they are not part of the snapshot text.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// TableSnapshot maps a table name to the textual rendering of its rows.
type TableSnapshot map[string]string

// Names returns the table names in sorted order.
func (s TableSnapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Text serializes the whole snapshot into one blob. Tables appear sorted by
// name, each as "<name>:\n<rows>", separated by a blank line.
func (s TableSnapshot) Text() string {
	var b strings.Builder
	for i, name := range s.Names() {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(name)
		b.WriteString(":\n")
		b.WriteString(s[name])
	}
	return b.String()
}

// GenerationResult is the text a generation provider returned.
type GenerationResult struct {
	Text string
}

// IngestReport summarizes a successful ingest.
type IngestReport struct {
	Tables     int    `json:"tables"`
	Chunks     int    `json:"chunks"`
	Collection string `json:"collection"`
}
