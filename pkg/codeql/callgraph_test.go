package codeql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestGraph(t *testing.T, entities []EntityRecord) *CallerGraph {
	t.Helper()
	ix, err := BuildIndex(entities)
	require.NoError(t, err)
	return BuildCallerGraph(ix)
}

func TestDirectCaller(t *testing.T) {
	cg := buildTestGraph(t, []EntityRecord{
		{Name: "main", File: "a.c", StartLine: 10, EndLine: 80, EntityID: "a.c:10"},
		{Name: "dispatch", File: "a.c", StartLine: 90, EndLine: 140, EntityID: "a.c:90", CallerID: "a.c:10"},
		{Name: "parse_input", File: "a.c", StartLine: 150, EndLine: 200, EntityID: "a.c:150", CallerID: "a.c:90"},
	})

	caller, err := cg.DirectCaller("a.c:150")
	require.NoError(t, err)
	assert.Equal(t, "dispatch", caller.Name)

	caller, err = cg.DirectCaller("a.c:90")
	require.NoError(t, err)
	assert.Equal(t, "main", caller.Name)
}

func TestDirectCallerNone(t *testing.T) {
	cg := buildTestGraph(t, []EntityRecord{
		{Name: "main", File: "a.c", StartLine: 10, EndLine: 80, EntityID: "a.c:10"},
	})

	_, err := cg.DirectCaller("a.c:10")
	assert.ErrorIs(t, err, ErrNoCaller)

	_, err = cg.DirectCaller("b.c:1")
	assert.ErrorIs(t, err, ErrNoCaller)
}

func TestDirectCallerFileLineFallback(t *testing.T) {
	// The caller id names a line inside main rather than main's entity id,
	// so the edge is absent and resolution goes through the interval lookup.
	cg := buildTestGraph(t, []EntityRecord{
		{Name: "main", File: "a.c", StartLine: 10, EndLine: 80, EntityID: "a.c:10"},
		{Name: "handler", File: "a.c", StartLine: 90, EndLine: 140, EntityID: "a.c:90", CallerID: "a.c:42"},
	})

	caller, err := cg.DirectCaller("a.c:90")
	require.NoError(t, err)
	assert.Equal(t, "main", caller.Name)
}

func TestCallChain(t *testing.T) {
	cg := buildTestGraph(t, []EntityRecord{
		{Name: "main", File: "a.c", StartLine: 10, EndLine: 80, EntityID: "a.c:10"},
		{Name: "dispatch", File: "a.c", StartLine: 90, EndLine: 140, EntityID: "a.c:90", CallerID: "a.c:10"},
		{Name: "parse_input", File: "a.c", StartLine: 150, EndLine: 200, EntityID: "a.c:150", CallerID: "a.c:90"},
	})

	chain := cg.CallChain("a.c:150", 10)
	require.Len(t, chain, 2)
	assert.Equal(t, "dispatch", chain[0].Name)
	assert.Equal(t, "main", chain[1].Name)

	chain = cg.CallChain("a.c:150", 1)
	require.Len(t, chain, 1)
	assert.Equal(t, "dispatch", chain[0].Name)
}

func TestCallChainCycle(t *testing.T) {
	cg := buildTestGraph(t, []EntityRecord{
		{Name: "ping", File: "a.c", StartLine: 10, EndLine: 40, EntityID: "a.c:10", CallerID: "a.c:50"},
		{Name: "pong", File: "a.c", StartLine: 50, EndLine: 90, EntityID: "a.c:50", CallerID: "a.c:10"},
	})

	chain := cg.CallChain("a.c:10", 100)
	require.Len(t, chain, 1)
	assert.Equal(t, "pong", chain[0].Name)
}
