package codeql

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dominikbraun/graph"
)

// ErrNoCaller is returned when an entity has no recorded direct caller.
var ErrNoCaller = errors.New("no caller recorded for entity")

// CallerGraph is a directed graph over entity ids with edges from caller to
// callee, built from the caller_id column of the entity table. Resolution is
// deliberately one hop: climbing further up the chain is the agent's job,
// one request at a time, bounded by its round budget.
type CallerGraph struct {
	g     graph.Graph[string, string]
	index *Index
}

// BuildCallerGraph constructs the caller graph for an index. Records whose
// caller_id does not resolve to an indexed entity contribute a vertex but no
// edge; the caller tool falls back to parsing those ids as file:line.
func BuildCallerGraph(ix *Index) *CallerGraph {
	g := graph.New(graph.StringHash, graph.Directed())

	for _, rec := range ix.Records() {
		_ = g.AddVertex(rec.EntityID)
	}
	for _, rec := range ix.Records() {
		if rec.CallerID == "" {
			continue
		}
		if _, ok := ix.LookupByID(rec.CallerID); ok {
			_ = g.AddEdge(rec.CallerID, rec.EntityID)
		}
	}

	return &CallerGraph{g: g, index: ix}
}

// DirectCaller resolves the one direct caller of the given entity.
func (cg *CallerGraph) DirectCaller(entityID string) (EntityRecord, error) {
	rec, ok := cg.index.LookupByID(entityID)
	if !ok {
		return EntityRecord{}, fmt.Errorf("unknown entity %q: %w", entityID, ErrNoCaller)
	}
	if rec.CallerID == "" {
		return EntityRecord{}, fmt.Errorf("entity %q: %w", rec.Name, ErrNoCaller)
	}

	preds, err := cg.g.PredecessorMap()
	if err == nil {
		for callerID := range preds[entityID] {
			if caller, ok := cg.index.LookupByID(callerID); ok {
				return caller, nil
			}
		}
	}

	// The producer sometimes emits caller ids in file:line form rather than
	// referring to an indexed entity.
	if caller, ok := cg.resolveFileLineID(rec.CallerID); ok {
		return caller, nil
	}

	return EntityRecord{}, fmt.Errorf("caller %q of entity %q not indexed: %w",
		rec.CallerID, rec.Name, ErrNoCaller)
}

// CallChain walks direct callers upward from entityID, innermost first, for
// at most maxDepth hops. Cycles and dead ends end the walk early.
func (cg *CallerGraph) CallChain(entityID string, maxDepth int) []EntityRecord {
	var chain []EntityRecord
	seen := map[string]bool{entityID: true}

	current := entityID
	for i := 0; i < maxDepth; i++ {
		caller, err := cg.DirectCaller(current)
		if err != nil || seen[caller.EntityID] {
			break
		}
		chain = append(chain, caller)
		seen[caller.EntityID] = true
		current = caller.EntityID
	}
	return chain
}

func (cg *CallerGraph) resolveFileLineID(callerID string) (EntityRecord, bool) {
	idx := strings.LastIndex(callerID, ":")
	if idx <= 0 {
		return EntityRecord{}, false
	}
	line, err := strconv.Atoi(callerID[idx+1:])
	if err != nil {
		return EntityRecord{}, false
	}
	file := strings.TrimPrefix(callerID[:idx], "/")
	rec, lookupErr := cg.index.Lookup(file, line)
	if lookupErr != nil {
		rec, lookupErr = cg.index.Lookup(callerID[:idx], line)
	}
	return rec, lookupErr == nil
}
