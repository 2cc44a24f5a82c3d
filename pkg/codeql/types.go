package codeql

import "fmt"

// EntityRecord is one row of the function tree table emitted per database.
// EntityID is the stable key "file:start_line"; CallerID refers to the
// EntityID of one direct caller and is empty when none was detected.
type EntityRecord struct {
	Name      string `json:"name"`
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	EntityID  string `json:"entity_id"`
	CallerID  string `json:"caller_id,omitempty"`
}

// Span returns the number of lines the entity covers.
func (r EntityRecord) Span() int {
	return r.EndLine - r.StartLine
}

// Finding is one static-analysis issue awaiting triage. Line/offsets point at
// the flagged expression, not the enclosing function.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Help        string `json:"help,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Message     string `json:"message"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	StartOffset int    `json:"start_offset,omitempty"`
	EndOffset   int    `json:"end_offset,omitempty"`
	DBPath      string `json:"db_path,omitempty"`
}

// Location renders the finding position as file:line.
func (f Finding) Location() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// ClassRecord is one row of the class/struct/union table.
type ClassRecord struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	File       string `json:"file"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	SimpleName string `json:"simple_name"`
}

// GlobalVarRecord is one row of the global variable table.
type GlobalVarRecord struct {
	Name      string `json:"name"`
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// MacroRecord is one row of the macro table. Unlike the other tables the body
// is inlined in the row rather than addressed by file span.
type MacroRecord struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// DatabaseMetadata is the subset of codeql-database.yml the pipeline needs.
type DatabaseMetadata struct {
	SourceLocationPrefix string `yaml:"sourceLocationPrefix"`
	PrimaryLanguage      string `yaml:"primaryLanguage"`
}
