package codeql

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoEnclosingEntity is returned by Lookup when no entity interval contains
// the requested line. Callers treat it as "no function context available",
// never as a session-fatal condition.
var ErrNoEnclosingEntity = errors.New("no enclosing entity for line")

// MalformedIndexError reports an entity record that violates the line-range
// invariants. It is fatal to index construction: no session may run against a
// broken index.
type MalformedIndexError struct {
	Record EntityRecord
	Reason string
}

func (e *MalformedIndexError) Error() string {
	return fmt.Sprintf("malformed entity record %q (%s:%d-%d): %s",
		e.Record.Name, e.Record.File, e.Record.StartLine, e.Record.EndLine, e.Reason)
}

// Index maps (file, line) to the smallest enclosing entity. It is built once
// per database and read-only afterwards, so concurrent lookups need no
// locking.
type Index struct {
	byFile map[string][]EntityRecord // sorted by start line ascending
	byID   map[string]EntityRecord
	count  int
}

// BuildIndex groups records by file and sorts each file's records by start
// line. Records are indexed exactly as given: no deduplication, the producer
// is expected to have resolved usable names already.
func BuildIndex(entities []EntityRecord) (*Index, error) {
	ix := &Index{
		byFile: make(map[string][]EntityRecord),
		byID:   make(map[string]EntityRecord),
	}

	for _, rec := range entities {
		if rec.File == "" {
			return nil, &MalformedIndexError{Record: rec, Reason: "missing file"}
		}
		if rec.StartLine <= 0 {
			return nil, &MalformedIndexError{Record: rec, Reason: "missing start line"}
		}
		if rec.StartLine > rec.EndLine {
			return nil, &MalformedIndexError{Record: rec, Reason: "start line after end line"}
		}
		ix.byFile[rec.File] = append(ix.byFile[rec.File], rec)
		ix.byID[rec.EntityID] = rec
		ix.count++
	}

	for file := range ix.byFile {
		recs := ix.byFile[file]
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].StartLine < recs[j].StartLine
		})
	}

	return ix, nil
}

// Lookup returns the entity whose [start_line, end_line] interval contains
// line in the given file. With nested intervals the smallest (innermost)
// entity wins, so an enclosing namespace-level span never shadows the
// function the line actually belongs to.
func (ix *Index) Lookup(file string, line int) (EntityRecord, error) {
	recs, ok := ix.byFile[file]
	if !ok {
		// Tolerate the producer's path-prefix differences: the table may key
		// files by an absolute path while findings use tree-relative paths.
		recs = ix.suffixMatch(file)
	}

	var best EntityRecord
	found := false
	for _, rec := range recs {
		if rec.StartLine > line {
			break
		}
		if line > rec.EndLine {
			continue
		}
		if !found || rec.Span() < best.Span() {
			best = rec
			found = true
		}
	}
	if !found {
		return EntityRecord{}, fmt.Errorf("%s:%d: %w", file, line, ErrNoEnclosingEntity)
	}
	return best, nil
}

// LookupByID returns the record with the given entity id.
func (ix *Index) LookupByID(entityID string) (EntityRecord, bool) {
	rec, ok := ix.byID[entityID]
	return rec, ok
}

// LookupByName returns all records matching name. Scoped names like
// "MyClass::MyFunc" match on the final segment. Exact matches are preferred;
// when there are none a relaxed substring pass runs, mirroring the
// producer-side two-pass search.
func (ix *Index) LookupByName(name string) []EntityRecord {
	parts := strings.Split(name, "::")
	simple := parts[len(parts)-1]

	var exact, relaxed []EntityRecord
	for _, recs := range ix.byFile {
		for _, rec := range recs {
			if rec.Name == simple || rec.Name == name {
				exact = append(exact, rec)
			} else if strings.Contains(rec.Name, simple) {
				relaxed = append(relaxed, rec)
			}
		}
	}
	if len(exact) > 0 {
		sortRecords(exact)
		return exact
	}
	sortRecords(relaxed)
	return relaxed
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	return ix.count
}

// Records returns all indexed records, ordered by file then start line.
func (ix *Index) Records() []EntityRecord {
	all := make([]EntityRecord, 0, ix.count)
	for _, recs := range ix.byFile {
		all = append(all, recs...)
	}
	sortRecords(all)
	return all
}

func (ix *Index) suffixMatch(file string) []EntityRecord {
	var recs []EntityRecord
	for key, fileRecs := range ix.byFile {
		if strings.HasSuffix(key, file) || strings.HasSuffix(file, key) {
			recs = append(recs, fileRecs...)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartLine < recs[j].StartLine
	})
	return recs
}

func sortRecords(recs []EntityRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].File != recs[j].File {
			return recs[i].File < recs[j].File
		}
		return recs[i].StartLine < recs[j].StartLine
	})
}
