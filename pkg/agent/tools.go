package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
	"github.com/zyufoye/vulnhalla/pkg/locator"
)

// ToolSpec describes one callable tool in the shape the chat endpoint
// expects (a JSON schema object).
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	required    []string
}

// ToolCall is one function invocation requested by the model. Arguments is
// the raw JSON string from the response.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of dispatching a tool call. IsError marks
// corrective feedback for the model rather than useful content; it never
// terminates a session.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ArgMapPair is a caller/callee snippet pair produced by a code-retrieval
// tool. The session follows it up with an auxiliary exchange mapping the
// caller's variables to the callee's parameters.
type ArgMapPair struct {
	Caller string
	Callee string
}

// ToolHandler executes a call. cursor is the entity the conversation is
// currently focused on; a non-nil next moves the focus, which is how
// repeated caller requests climb the call chain. Handlers read state but
// never mutate it.
type ToolHandler func(args map[string]string, cursor codeql.EntityRecord) (content string, next *codeql.EntityRecord, mapping *ArgMapPair, err error)

// Registry holds the session's tools. Dispatch is strict about names and
// required arguments but always answers with a ToolResult.
type Registry struct {
	specs    []ToolSpec
	handlers map[string]ToolHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ToolHandler)}
}

// Register adds a tool. Argument names listed in the schema's "required"
// entry are enforced before the handler runs. Both []string and the []any a
// JSON-decoded schema carries are accepted.
func (r *Registry) Register(spec ToolSpec, handler ToolHandler) {
	switch req := spec.Parameters["required"].(type) {
	case []string:
		spec.required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				spec.required = append(spec.required, s)
			}
		}
	}
	r.specs = append(r.specs, spec)
	r.handlers[spec.Name] = handler
}

// Specs returns the registered tool schemas in registration order.
func (r *Registry) Specs() []ToolSpec {
	return r.specs
}

// Dispatch runs one tool call against the current cursor. Unknown tools,
// malformed argument JSON and missing required arguments all produce an
// error ToolResult with a corrective message.
func (r *Registry) Dispatch(call ToolCall, cursor codeql.EntityRecord) (ToolResult, *codeql.EntityRecord, *ArgMapPair) {
	result := ToolResult{CallID: call.ID, Name: call.Name}

	handler, ok := r.handlers[call.Name]
	if !ok {
		result.Content = invalidCallMessage(call.Name, call.Arguments)
		result.IsError = true
		return result, nil, nil
	}

	args := map[string]string{}
	if strings.TrimSpace(call.Arguments) != "" {
		raw := map[string]any{}
		if err := json.Unmarshal([]byte(call.Arguments), &raw); err != nil {
			result.Content = invalidCallMessage(call.Name, call.Arguments)
			result.IsError = true
			return result, nil, nil
		}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				args[k] = s
			}
		}
	}

	for _, req := range r.spec(call.Name).required {
		if args[req] == "" {
			result.Content = invalidCallMessage(call.Name, call.Arguments)
			result.IsError = true
			return result, nil, nil
		}
	}

	content, next, mapping, err := handler(args, cursor)
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result, nil, nil
	}
	result.Content = content
	return result, next, mapping
}

func (r *Registry) spec(name string) ToolSpec {
	for _, s := range r.specs {
		if s.Name == name {
			return s
		}
	}
	return ToolSpec{}
}

func invalidCallMessage(name, args string) string {
	return fmt.Sprintf("No matching tool '%s' or invalid args %s. Try again.", name, args)
}

// NewVerificationRegistry builds the five-tool registry used by
// verification sessions, resolving everything through loc.
func NewVerificationRegistry(loc *locator.Locator) *Registry {
	r := NewRegistry()

	r.Register(ToolSpec{
		Name:        "get_function_code",
		Description: "Retrieves the code for a missing function code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"function_name": map[string]any{
					"type": "string",
					"description": "The name of the function to retrieve. In case of a class" +
						" method, provide ClassName::MethodName.",
				},
				"file": map[string]any{
					"type":        "string",
					"description": "Optional file path to disambiguate between multiple definitions.",
				},
			},
			"required": []string{"function_name"},
		},
	}, func(args map[string]string, cursor codeql.EntityRecord) (string, *codeql.EntityRecord, *ArgMapPair, error) {
		matches, err := loc.FunctionBody(args["function_name"], args["file"])
		if err != nil {
			return "", nil, nil, err
		}
		// When the function resolved unambiguously and its caller is known,
		// queue an argument-mapping exchange between the two.
		var mapping *ArgMapPair
		if recs := loc.FunctionRecords(args["function_name"], args["file"]); len(recs) == 1 {
			if callerMatch, _, callerErr := loc.CallerOf(recs[0].EntityID); callerErr == nil {
				mapping = &ArgMapPair{Caller: callerMatch.Text, Callee: matches[0].Text}
			}
		}
		return joinMatches(matches), nil, mapping, nil
	})

	r.Register(ToolSpec{
		Name: "get_caller_function",
		Description: "Retrieves the caller function of the function with the issue. " +
			"Call it repeatedly to climb further up the call chain.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, func(args map[string]string, cursor codeql.EntityRecord) (string, *codeql.EntityRecord, *ArgMapPair, error) {
		m, caller, err := loc.CallerOf(cursor.EntityID)
		if err != nil {
			return "", nil, nil, err
		}
		content := fmt.Sprintf("Here is the caller function for '%s':\n%s", cursor.Name, m.Text)
		var mapping *ArgMapPair
		if current, snipErr := loc.EntitySnippet(cursor); snipErr == nil {
			mapping = &ArgMapPair{Caller: m.Text, Callee: current.Text}
		}
		return content, &caller, mapping, nil
	})

	r.Register(ToolSpec{
		Name: "get_class",
		Description: "Retrieves class / struct / union implementation (anywhere in code). " +
			"If you need a specific method from that class, use get_function_code instead.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"object_name": map[string]any{
					"type":        "string",
					"description": "The name of the class / struct / union.",
				},
				"file": map[string]any{
					"type":        "string",
					"description": "Optional file path to disambiguate between multiple definitions.",
				},
			},
			"required": []string{"object_name"},
		},
	}, func(args map[string]string, cursor codeql.EntityRecord) (string, *codeql.EntityRecord, *ArgMapPair, error) {
		matches, err := loc.TypeDefinition(args["object_name"], args["file"])
		if err != nil {
			return "", nil, nil, err
		}
		return joinMatches(matches), nil, nil, nil
	})

	r.Register(ToolSpec{
		Name: "get_global_var",
		Description: "Retrieves global variable definition (anywhere in code). " +
			"If it's a variable inside a class, request the class instead.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"global_var_name": map[string]any{
					"type": "string",
					"description": "The name of the global variable to retrieve or the name " +
						"of a variable inside a Namespace.",
				},
				"file": map[string]any{
					"type":        "string",
					"description": "Optional file path to disambiguate between multiple definitions.",
				},
			},
			"required": []string{"global_var_name"},
		},
	}, func(args map[string]string, cursor codeql.EntityRecord) (string, *codeql.EntityRecord, *ArgMapPair, error) {
		matches, err := loc.GlobalVariable(args["global_var_name"], args["file"])
		if err != nil {
			return "", nil, nil, err
		}
		return joinMatches(matches), nil, nil, nil
	})

	r.Register(ToolSpec{
		Name:        "get_macro",
		Description: "Retrieves a macro definition (anywhere in code).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"macro_name": map[string]any{
					"type":        "string",
					"description": "The name of the macro.",
				},
			},
			"required": []string{"macro_name"},
		},
	}, func(args map[string]string, cursor codeql.EntityRecord) (string, *codeql.EntityRecord, *ArgMapPair, error) {
		matches, err := loc.MacroDefinition(args["macro_name"])
		if err != nil {
			return "", nil, nil, err
		}
		return joinMatches(matches), nil, nil, nil
	})

	return r
}

func joinMatches(matches []locator.Match) string {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n\n")
}
