package locator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
)

// Reason classifies why a symbol could not be resolved.
type Reason int

const (
	// ReasonUnknownName means the name appears nowhere in the tables or
	// the source tree.
	ReasonUnknownName Reason = iota
	// ReasonBodyUnavailable means the symbol is known but its source span
	// could not be read, typically a declaration without a definition or a
	// file missing from the checkout.
	ReasonBodyUnavailable
)

// NotFoundError carries an agent-facing hint explaining the failed lookup.
type NotFoundError struct {
	Kind   string
	Name   string
	Reason Reason
	Hint   string
}

func (e *NotFoundError) Error() string {
	if e.Hint != "" {
		return e.Hint
	}
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.Name)
}

// Match is one resolved source span, formatted for the model. Text holds the
// snippet with a file header and right-aligned line numbers.
type Match struct {
	Name      string
	File      string
	StartLine int
	EndLine   int
	Text      string
}

// Location returns the match position as file:line.
func (m Match) Location() string {
	return fmt.Sprintf("%s:%d", m.File, m.StartLine)
}

// Locator resolves symbol names to source snippets. Functions come from the
// entity index, callers from the caller graph, and types, globals and macros
// from the sidecar tables when present or from a tree-sitter scan of the
// source tree when not.
type Locator struct {
	sourceDir string
	index     *codeql.Index
	callers   *codeql.CallerGraph
	classes   []codeql.ClassRecord
	globals   []codeql.GlobalVarRecord
	macros    []codeql.MacroRecord
	scanner   *Scanner
	logger    *slog.Logger

	mu        sync.RWMutex
	fileCache map[string][]string
}

// New builds a Locator over a source checkout and resolved tables.
func New(sourceDir string, index *codeql.Index, callers *codeql.CallerGraph, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{
		sourceDir: sourceDir,
		index:     index,
		callers:   callers,
		scanner:   NewScanner(),
		logger:    logger.With("component", "locator"),
		fileCache: make(map[string][]string),
	}
}

// WithSymbolTables attaches the optional class, global variable and macro
// tables. Without them, lookups fall back to scanning the source tree.
func (l *Locator) WithSymbolTables(classes []codeql.ClassRecord, globals []codeql.GlobalVarRecord, macros []codeql.MacroRecord) *Locator {
	l.classes = classes
	l.globals = globals
	l.macros = macros
	return l
}

// FunctionBody resolves a function name to its source snippet(s). A non-empty
// fileHint narrows ambiguous names to entities whose file matches it. All
// matches are returned when the name stays ambiguous so the caller can re-ask
// with a hint.
func (l *Locator) FunctionBody(name, fileHint string) ([]Match, error) {
	recs := l.index.LookupByName(name)
	if fileHint != "" {
		recs = filterByFile(recs, fileHint)
	}
	if len(recs) == 0 {
		return nil, &NotFoundError{
			Kind:   "function",
			Name:   name,
			Reason: ReasonUnknownName,
			Hint:   fmt.Sprintf("Function '%s' not found. Make sure you're using the correct tool and args.", name),
		}
	}

	matches := make([]Match, 0, len(recs))
	for _, rec := range recs {
		m, err := l.snippetFor(rec.Name, rec.File, rec.StartLine, rec.EndLine)
		if err != nil {
			l.logger.Debug("function body unavailable",
				"operation", "function_body", "name", rec.Name, "file", rec.File, "error", err)
			continue
		}
		matches = append(matches, m)
	}
	if len(matches) == 0 {
		return nil, &NotFoundError{
			Kind:   "function",
			Name:   name,
			Reason: ReasonBodyUnavailable,
			Hint:   fmt.Sprintf("Function '%s' is known but its source is not available in the checkout.", name),
		}
	}
	return matches, nil
}

// FunctionRecords returns the entity records FunctionBody would resolve for
// name, without touching the source tree.
func (l *Locator) FunctionRecords(name, fileHint string) []codeql.EntityRecord {
	recs := l.index.LookupByName(name)
	if fileHint != "" {
		recs = filterByFile(recs, fileHint)
	}
	return recs
}

// CallerOf resolves the direct caller of the given entity, returning both the
// snippet and the caller's record so the conversation can keep climbing.
func (l *Locator) CallerOf(entityID string) (Match, codeql.EntityRecord, error) {
	caller, err := l.callers.DirectCaller(entityID)
	if err != nil {
		return Match{}, codeql.EntityRecord{}, &NotFoundError{
			Kind:   "caller",
			Name:   entityID,
			Reason: ReasonUnknownName,
			Hint:   "Caller function was not found. Make sure you are using the correct tool with the correct args.",
		}
	}
	m, err := l.snippetFor(caller.Name, caller.File, caller.StartLine, caller.EndLine)
	if err != nil {
		return Match{}, codeql.EntityRecord{}, &NotFoundError{
			Kind:   "caller",
			Name:   caller.Name,
			Reason: ReasonBodyUnavailable,
			Hint:   fmt.Sprintf("Caller '%s' is known but its source is not available in the checkout.", caller.Name),
		}
	}
	return m, caller, nil
}

// TypeDefinition resolves a class, struct, union or enum name.
func (l *Locator) TypeDefinition(name, fileHint string) ([]Match, error) {
	bare := lastSegment(name)

	if len(l.classes) > 0 {
		recs := matchClasses(l.classes, bare)
		if fileHint != "" {
			recs = filterClassesByFile(recs, fileHint)
		}
		if len(recs) > 0 {
			return l.classMatches(recs)
		}
	} else if matches, ok := l.scanMatches(bare, fileHint, "struct", "union", "enum", "typedef"); ok {
		return matches, nil
	}

	return nil, &NotFoundError{
		Kind:   "class",
		Name:   name,
		Reason: ReasonUnknownName,
		Hint:   fmt.Sprintf("Class '%s' not found. Could it be a Namespace?", name),
	}
}

// GlobalVariable resolves a global variable name to its declaration site.
func (l *Locator) GlobalVariable(name, fileHint string) ([]Match, error) {
	bare := lastSegment(name)

	if len(l.globals) > 0 {
		var matches []Match
		for _, rec := range relaxedGlobals(l.globals, bare) {
			if fileHint != "" && !fileMatches(rec.File, fileHint) {
				continue
			}
			m, err := l.snippetFor(rec.Name, rec.File, rec.StartLine, rec.EndLine)
			if err != nil {
				continue
			}
			matches = append(matches, m)
		}
		if len(matches) > 0 {
			return matches, nil
		}
	} else if matches, ok := l.scanMatches(bare, fileHint, "global"); ok {
		return matches, nil
	}

	return nil, &NotFoundError{
		Kind:   "global variable",
		Name:   name,
		Reason: ReasonUnknownName,
		Hint:   fmt.Sprintf("Global var '%s' not found. Could it be a macro or should you use another tool?", name),
	}
}

// MacroDefinition resolves a macro name to its definition bodies. The macro
// table carries no file information, so ambiguous names return every
// matching body rather than a file-narrowed subset.
func (l *Locator) MacroDefinition(name string) ([]Match, error) {
	if len(l.macros) > 0 {
		if recs := matchMacros(l.macros, name); len(recs) > 0 {
			matches := make([]Match, 0, len(recs))
			for _, m := range recs {
				matches = append(matches, Match{Name: m.Name, Text: m.Body})
			}
			return matches, nil
		}
	} else if matches, ok := l.scanMatches(name, "", "macro"); ok {
		return matches, nil
	}

	return nil, &NotFoundError{
		Kind:   "macro",
		Name:   name,
		Reason: ReasonUnknownName,
		Hint:   fmt.Sprintf("Macro '%s' not found. Make sure you're using the correct tool with correct args.", name),
	}
}

// EntitySnippet returns the formatted source span for an indexed entity.
func (l *Locator) EntitySnippet(rec codeql.EntityRecord) (Match, error) {
	return l.snippetFor(rec.Name, rec.File, rec.StartLine, rec.EndLine)
}

// FileLines returns the cached lines of a source file, resolving table-style
// paths against the checkout root.
func (l *Locator) FileLines(file string) ([]string, error) {
	path, err := l.resolvePath(file)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	lines, ok := l.fileCache[path]
	l.mu.RUnlock()
	if ok {
		return lines, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines = strings.Split(string(data), "\n")

	l.mu.Lock()
	l.fileCache[path] = lines
	l.mu.Unlock()
	return lines, nil
}

func (l *Locator) snippetFor(name, file string, startLine, endLine int) (Match, error) {
	lines, err := l.FileLines(file)
	if err != nil {
		return Match{}, err
	}
	if startLine < 1 {
		startLine = 1
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > endLine {
		return Match{}, fmt.Errorf("span %d-%d outside %s", startLine, endLine, file)
	}

	body := strings.Join(lines[startLine-1:endLine], "\n")
	text := fmt.Sprintf("file: %s\n%s", strings.TrimPrefix(file, "/"), addLineNumbers(body, startLine))
	return Match{
		Name:      name,
		File:      file,
		StartLine: startLine,
		EndLine:   endLine,
		Text:      text,
	}, nil
}

func (l *Locator) classMatches(recs []codeql.ClassRecord) ([]Match, error) {
	var matches []Match
	for _, rec := range recs {
		m, err := l.snippetFor(rec.Name, rec.File, rec.StartLine, rec.EndLine)
		if err != nil {
			continue
		}
		matches = append(matches, m)
	}
	if len(matches) == 0 {
		return nil, &NotFoundError{
			Kind:   "class",
			Name:   recs[0].Name,
			Reason: ReasonBodyUnavailable,
			Hint:   fmt.Sprintf("Class '%s' is known but its source is not available in the checkout.", recs[0].Name),
		}
	}
	return matches, nil
}

func (l *Locator) scanMatches(name, fileHint string, kinds ...string) ([]Match, bool) {
	decls, err := l.scanner.Declarations(l.sourceDir)
	if err != nil {
		l.logger.Debug("source scan failed", "operation", "scan", "dir", l.sourceDir, "error", err)
		return nil, false
	}

	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	var matches []Match
	for _, d := range decls {
		if !wanted[d.Kind] || d.Name != name {
			continue
		}
		if fileHint != "" && !fileMatches(d.File, fileHint) {
			continue
		}
		text := fmt.Sprintf("file: %s\n%s", d.File, addLineNumbers(d.Text, d.StartLine))
		matches = append(matches, Match{
			Name:      d.Name,
			File:      d.File,
			StartLine: d.StartLine,
			EndLine:   d.EndLine,
			Text:      text,
		})
	}
	return matches, len(matches) > 0
}

// resolvePath maps a table-relative path onto the checkout. Table paths often
// carry a build-machine prefix, so on a miss leading components are dropped
// one at a time until something exists under sourceDir.
func (l *Locator) resolvePath(file string) (string, error) {
	rel := strings.TrimPrefix(file, "/")
	if p := filepath.Join(l.sourceDir, rel); pathExists(p) {
		return p, nil
	}

	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if p := filepath.Join(l.sourceDir, filepath.Join(parts[i:]...)); pathExists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("file %q not found under %s", file, l.sourceDir)
}

func pathExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// addLineNumbers prefixes each line with a right-aligned line number.
func addLineNumbers(text string, startLine int) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%5d  %s", startLine+i, line)
		if i < len(lines)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func lastSegment(name string) string {
	parts := strings.Split(name, "::")
	return parts[len(parts)-1]
}

func fileMatches(file, hint string) bool {
	return strings.HasSuffix(file, hint) || strings.HasSuffix(hint, file) ||
		strings.Contains(file, hint)
}

func filterByFile(recs []codeql.EntityRecord, hint string) []codeql.EntityRecord {
	var out []codeql.EntityRecord
	for _, rec := range recs {
		if fileMatches(rec.File, hint) {
			out = append(out, rec)
		}
	}
	return out
}

func filterClassesByFile(recs []codeql.ClassRecord, hint string) []codeql.ClassRecord {
	var out []codeql.ClassRecord
	for _, rec := range recs {
		if fileMatches(rec.File, hint) {
			out = append(out, rec)
		}
	}
	return out
}

// matchClasses matches on the qualified name or the simple name, exact first,
// then a relaxed substring pass.
func matchClasses(classes []codeql.ClassRecord, name string) []codeql.ClassRecord {
	var exact, relaxed []codeql.ClassRecord
	for _, c := range classes {
		switch {
		case c.Name == name || c.SimpleName == name:
			exact = append(exact, c)
		case strings.Contains(c.Name, name) || strings.Contains(c.SimpleName, name):
			relaxed = append(relaxed, c)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return relaxed
}

func relaxedGlobals(globals []codeql.GlobalVarRecord, name string) []codeql.GlobalVarRecord {
	var exact, relaxed []codeql.GlobalVarRecord
	for _, g := range globals {
		switch {
		case g.Name == name:
			exact = append(exact, g)
		case strings.Contains(g.Name, name):
			relaxed = append(relaxed, g)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return relaxed
}

func matchMacros(macros []codeql.MacroRecord, name string) []codeql.MacroRecord {
	var exact, relaxed []codeql.MacroRecord
	for _, m := range macros {
		switch {
		case m.Name == name:
			exact = append(exact, m)
		case strings.Contains(m.Name, name):
			relaxed = append(relaxed, m)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return relaxed
}
