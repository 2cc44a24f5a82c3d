package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
)

func TestRegistrySpecs(t *testing.T) {
	registry, _, _ := testFixture(t)

	specs := registry.Specs()
	require.Len(t, specs, 5)

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	assert.Equal(t, []string{
		"get_function_code",
		"get_caller_function",
		"get_class",
		"get_global_var",
		"get_macro",
	}, names)
}

func TestDispatchFunctionCode(t *testing.T) {
	registry, ix, _ := testFixture(t)
	cursor := cursorAt(t, ix, "net.c:10")

	result, next, _ := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_function_code", Arguments: `{"function_name":"receive"}`,
	}, cursor)

	assert.False(t, result.IsError)
	assert.Nil(t, next)
	assert.Contains(t, result.Content, "file: net.c")
	assert.Contains(t, result.Content, "void receive(struct packet *p) {")
}

func TestDispatchQualifiedMethodName(t *testing.T) {
	registry, ix, _ := testFixture(t)

	result, _, _ := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_function_code", Arguments: `{"function_name":"Handler::receive"}`,
	}, cursorAt(t, ix, "net.c:10"))

	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "void receive(struct packet *p) {")
}

func TestDispatchCallerAdvancesCursor(t *testing.T) {
	registry, ix, _ := testFixture(t)

	result, next, _ := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_caller_function", Arguments: `{}`,
	}, cursorAt(t, ix, "net.c:10"))

	assert.False(t, result.IsError)
	require.NotNil(t, next)
	assert.Equal(t, "receive", next.Name)
	assert.Contains(t, result.Content, "Here is the caller function for 'copy_payload':")
}

func TestDispatchCallerAtTopOfChain(t *testing.T) {
	registry, ix, _ := testFixture(t)

	result, next, _ := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_caller_function", Arguments: `{}`,
	}, cursorAt(t, ix, "net.c:19"))

	assert.True(t, result.IsError)
	assert.Nil(t, next)
	assert.Contains(t, result.Content, "Caller function was not found")
}

func TestDispatchClassGlobalMacro(t *testing.T) {
	registry, ix, _ := testFixture(t)
	cursor := cursorAt(t, ix, "net.c:10")

	result, _, _ := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_class", Arguments: `{"object_name":"packet"}`,
	}, cursor)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "struct packet {")

	result, _, _ = registry.Dispatch(ToolCall{
		ID: "c2", Name: "get_global_var", Arguments: `{"global_var_name":"counter"}`,
	}, cursor)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "static int counter;")

	result, _, _ = registry.Dispatch(ToolCall{
		ID: "c3", Name: "get_macro", Arguments: `{"macro_name":"LIMIT"}`,
	}, cursor)
	assert.False(t, result.IsError)
	assert.Equal(t, "#define LIMIT 32", result.Content)
}

func TestDispatchFunctionCodeMapsArguments(t *testing.T) {
	registry, ix, _ := testFixture(t)
	cursor := cursorAt(t, ix, "net.c:10")

	// receive resolves to one entity with a known caller, so the dispatch
	// carries the caller/callee pair for the mapping exchange.
	_, _, mapping := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_function_code", Arguments: `{"function_name":"receive"}`,
	}, cursor)
	require.NotNil(t, mapping)
	assert.Contains(t, mapping.Caller, "int main(void) {")
	assert.Contains(t, mapping.Callee, "void receive(struct packet *p) {")

	// main has no caller: nothing to map.
	_, _, mapping = registry.Dispatch(ToolCall{
		ID: "c2", Name: "get_function_code", Arguments: `{"function_name":"main"}`,
	}, cursor)
	assert.Nil(t, mapping)
}

func TestDispatchCallerMapsArguments(t *testing.T) {
	registry, ix, _ := testFixture(t)

	_, _, mapping := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_caller_function", Arguments: `{}`,
	}, cursorAt(t, ix, "net.c:10"))

	require.NotNil(t, mapping)
	assert.Contains(t, mapping.Caller, "void receive(struct packet *p) {")
	assert.Contains(t, mapping.Callee, "void copy_payload(struct packet *p) {")
}

func TestRegisterRequiredFromDecodedSchema(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ToolSpec{
		Name: "lookup",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
	}, func(args map[string]string, cursor codeql.EntityRecord) (string, *codeql.EntityRecord, *ArgMapPair, error) {
		return "found " + args["name"], nil, nil, nil
	})

	result, _, _ := registry.Dispatch(ToolCall{ID: "c1", Name: "lookup", Arguments: `{}`}, codeql.EntityRecord{})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "invalid args")

	result, _, _ = registry.Dispatch(ToolCall{ID: "c2", Name: "lookup", Arguments: `{"name":"x"}`}, codeql.EntityRecord{})
	assert.False(t, result.IsError)
	assert.Equal(t, "found x", result.Content)
}

func TestDispatchNotFoundMessages(t *testing.T) {
	registry, ix, _ := testFixture(t)
	cursor := cursorAt(t, ix, "net.c:10")

	result, _, _ := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_class", Arguments: `{"object_name":"session_t"}`,
	}, cursor)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "Could it be a Namespace?")

	result, _, _ = registry.Dispatch(ToolCall{
		ID: "c2", Name: "get_global_var", Arguments: `{"global_var_name":"missing"}`,
	}, cursor)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "Could it be a macro or should you use another tool?")
}

func TestDispatchStrictValidation(t *testing.T) {
	registry, ix, _ := testFixture(t)
	cursor := cursorAt(t, ix, "net.c:10")

	// Unknown tool.
	result, next, _ := registry.Dispatch(ToolCall{ID: "c1", Name: "get_comments", Arguments: `{}`}, cursor)
	assert.True(t, result.IsError)
	assert.Nil(t, next)
	assert.Contains(t, result.Content, "No matching tool 'get_comments'")

	// Missing required argument.
	result, _, _ = registry.Dispatch(ToolCall{ID: "c2", Name: "get_macro", Arguments: `{}`}, cursor)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "invalid args")

	// Malformed argument JSON.
	result, _, _ = registry.Dispatch(ToolCall{ID: "c3", Name: "get_macro", Arguments: `{"macro_name":`}, cursor)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "Try again")
}

func TestDispatchNeverMutatesState(t *testing.T) {
	registry, ix, _ := testFixture(t)
	cursor := cursorAt(t, ix, "net.c:10")

	// Dispatching does not move the cursor unless the handler says so; the
	// same call from the same cursor answers identically.
	first, _, _ := registry.Dispatch(ToolCall{
		ID: "c1", Name: "get_caller_function", Arguments: `{}`,
	}, cursor)
	second, _, _ := registry.Dispatch(ToolCall{
		ID: "c2", Name: "get_caller_function", Arguments: `{}`,
	}, cursor)
	assert.Equal(t, first.Content, second.Content)

	var unchanged codeql.EntityRecord = cursorAt(t, ix, "net.c:10")
	assert.Equal(t, unchanged, cursor)
}
