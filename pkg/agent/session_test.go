package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
	"github.com/zyufoye/vulnhalla/pkg/locator"
)

const testSource = `#define LIMIT 32

static int counter;

struct packet {
	char *payload;
	int size;
};

void copy_payload(struct packet *p) {
	char buf[LIMIT];
	strcpy(buf, p->payload);
}

void receive(struct packet *p) {
	copy_payload(p);
}

int main(void) {
	struct packet p;
	receive(&p);
	return 0;
}
`

// stubProvider replays scripted replies and records the conversations it
// was sent.
type stubProvider struct {
	mu         sync.Mutex
	replies    []Reply
	errs       []error
	calls      int
	received   [][]Message
	argPrompts []string
}

func (s *stubProvider) Complete(ctx context.Context, messages []Message, tools []ToolSpec) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]Message, len(messages))
	copy(copied, messages)

	// Tool-less requests are auxiliary argument-mapping exchanges; answer
	// them off-script so they don't consume the scripted replies.
	if len(tools) == 0 {
		s.argPrompts = append(s.argPrompts, copied[0].Content)
		return Reply{Content: "p (caller) -> p (callee)"}, nil
	}
	s.received = append(s.received, copied)

	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return Reply{}, s.errs[idx]
	}
	if idx < len(s.replies) {
		return s.replies[idx], nil
	}
	// Scripts that run out keep stalling without a status code.
	return Reply{Content: "still thinking"}, nil
}

func (s *stubProvider) Model() string { return "stub-model" }

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) conversation(i int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[i]
}

func (s *stubProvider) mappingPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.argPrompts
}

func testFixture(t *testing.T) (*Registry, *codeql.Index, *locator.Locator) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.c"), []byte(testSource), 0644))

	entities := []codeql.EntityRecord{
		{Name: "copy_payload", File: "net.c", StartLine: 10, EndLine: 13, EntityID: "net.c:10", CallerID: "net.c:15"},
		{Name: "receive", File: "net.c", StartLine: 15, EndLine: 17, EntityID: "net.c:15", CallerID: "net.c:19"},
		{Name: "main", File: "net.c", StartLine: 19, EndLine: 23, EntityID: "net.c:19"},
	}
	ix, err := codeql.BuildIndex(entities)
	require.NoError(t, err)

	loc := locator.New(dir, ix, codeql.BuildCallerGraph(ix), nil).WithSymbolTables(
		[]codeql.ClassRecord{
			{Kind: "struct", Name: "packet", File: "net.c", StartLine: 5, EndLine: 8, SimpleName: "packet"},
		},
		[]codeql.GlobalVarRecord{
			{Name: "counter", File: "net.c", StartLine: 3, EndLine: 3},
		},
		[]codeql.MacroRecord{
			{Name: "LIMIT", Body: "#define LIMIT 32"},
		},
	)
	return NewVerificationRegistry(loc), ix, loc
}

func quickRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, BaseDelay: 0, MaxDelay: 0, Multiplier: 1}
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Retry = quickRetry()
	return cfg
}

func cursorAt(t *testing.T, ix *codeql.Index, id string) codeql.EntityRecord {
	t.Helper()
	rec, ok := ix.LookupByID(id)
	require.True(t, ok)
	return rec
}

func TestSessionImmediateVerdict(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{replies: []Reply{
		{Content: "The strcpy is unbounded. 1337: payload longer than LIMIT overflows buf.",
			Usage: TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}},
	}}

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictConfirmed, outcome.Verdict)
	assert.Contains(t, outcome.Rationale, "1337")
	assert.Empty(t, outcome.Reason)
	assert.Empty(t, outcome.Evidence)
	assert.Equal(t, int64(120), outcome.Usage.TotalTokens)
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 1, provider.callCount())
}

func TestSessionSecureVerdict(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{replies: []Reply{
		{Content: "1007: the copy is bounds-checked upstream."},
	}}

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictNotConfirmed, outcome.Verdict)
}

func TestSessionToolRoundThenVerdict(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{replies: []Reply{
		{ToolCalls: []ToolCall{
			{ID: "call_1", Name: "get_macro", Arguments: `{"macro_name":"LIMIT"}`},
		}},
		{Content: "Given LIMIT is 32, 1337: payload over 32 bytes overflows."},
	}}

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictConfirmed, outcome.Verdict)
	require.Len(t, outcome.Evidence, 1)
	assert.Equal(t, "get_macro", outcome.Evidence[0].Call.Name)
	assert.Equal(t, "#define LIMIT 32", outcome.Evidence[0].Result.Content)
	assert.False(t, outcome.Evidence[0].Result.IsError)

	// Second request must carry the tool response.
	second := provider.conversation(1)
	last := second[len(second)-1]
	assert.Equal(t, RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
}

func TestSessionCallerCursorAdvances(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{replies: []Reply{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "get_caller_function", Arguments: `{}`}}},
		{ToolCalls: []ToolCall{{ID: "c2", Name: "get_caller_function", Arguments: `{}`}}},
		{Content: "7331: need the socket read loop to judge input reachability."},
	}}

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictInconclusive, outcome.Verdict)
	require.Len(t, outcome.Evidence, 2)
	assert.Contains(t, outcome.Evidence[0].Result.Content, "caller function for 'copy_payload'")
	assert.Contains(t, outcome.Evidence[0].Result.Content, "void receive(struct packet *p) {")
	// Second climb starts from receive, not copy_payload.
	assert.Contains(t, outcome.Evidence[1].Result.Content, "caller function for 'receive'")
	assert.Contains(t, outcome.Evidence[1].Result.Content, "int main(void) {")
}

func TestSessionMapsArgumentsAfterCallerClimb(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{replies: []Reply{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "get_caller_function", Arguments: `{}`}}},
		{Content: "1337: receive forwards attacker payload into the unbounded copy."},
	}}

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictConfirmed, outcome.Verdict)

	prompts := provider.mappingPrompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Format: caller_var (caller_name) -> callee_var (callee_name)")
	assert.Contains(t, prompts[0], "void receive(struct packet *p) {")
	assert.Contains(t, prompts[0], "void copy_payload(struct packet *p) {")

	// The mapping answer lands in the conversation after the tool result.
	second := provider.conversation(1)
	last := second[len(second)-1]
	assert.Equal(t, RoleAssistant, last.Role)
	assert.Equal(t, "p (caller) -> p (callee)", last.Content)
	assert.Equal(t, RoleTool, second[len(second)-2].Role)
}

func TestSessionNudgesOnMissingStatusCode(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{replies: []Reply{
		{Content: "This looks problematic but I won't commit to a code."},
		{Content: "Understood. 1007: the caller validates size."},
	}}

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictNotConfirmed, outcome.Verdict)
	assert.Equal(t, 2, provider.callCount())

	second := provider.conversation(1)
	last := second[len(second)-1]
	assert.Equal(t, RoleSystem, last.Role)
	assert.Equal(t, nudgeContent, last.Content)
}

func TestSessionNagsAfterToolBudget(t *testing.T) {
	registry, ix, _ := testFixture(t)

	var replies []Reply
	for i := 0; i < 3; i++ {
		replies = append(replies, Reply{ToolCalls: []ToolCall{
			{ID: "c", Name: "get_macro", Arguments: `{"macro_name":"LIMIT"}`},
		}})
	}
	replies = append(replies, Reply{Content: "7331: still missing the allocation site."})
	provider := &stubProvider{replies: replies}

	cfg := testConfig()
	cfg.NagAfterToolRounds = 2

	s := NewSession(provider, registry, cfg, cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictInconclusive, outcome.Verdict)

	// The nag lands after the second tool round is dispatched.
	third := provider.conversation(2)
	last := third[len(third)-1]
	assert.Equal(t, RoleSystem, last.Role)
	assert.Equal(t, nagContent, last.Content)
}

func TestSessionRoundBudgetExhaustion(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{} // stalls forever

	cfg := testConfig()
	cfg.MaxRounds = 3

	s := NewSession(provider, registry, cfg, cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictInconclusive, outcome.Verdict)
	assert.Contains(t, outcome.Reason, "round budget exhausted")
	assert.Equal(t, 3, outcome.Rounds)
	assert.Equal(t, 3, provider.callCount())
}

func TestSessionProviderFailure(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{errs: []error{
		&ProviderError{Message: "invalid api key", StatusCode: 401, Retryable: false},
	}}

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(context.Background(), "verify this")

	assert.Equal(t, VerdictInconclusive, outcome.Verdict)
	assert.Contains(t, outcome.Reason, "provider failure")
	assert.Contains(t, outcome.Reason, "invalid api key")
	assert.Equal(t, 1, provider.callCount())
}

func TestSessionCancellation(t *testing.T) {
	registry, ix, _ := testFixture(t)
	provider := &stubProvider{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession(provider, registry, testConfig(), cursorAt(t, ix, "net.c:10"), nil)
	outcome := s.Run(ctx, "verify this")

	assert.Equal(t, VerdictInconclusive, outcome.Verdict)
	assert.Contains(t, outcome.Reason, "session cancelled")
	assert.Equal(t, 0, provider.callCount())
}

func TestParseStatus(t *testing.T) {
	cases := []struct {
		content string
		verdict Verdict
		ok      bool
	}{
		{"1337: overflow with long payload", VerdictConfirmed, true},
		{"the code is safe, 1007", VerdictNotConfirmed, true},
		{"7331: need the allocator", VerdictInconclusive, true},
		{"7331 and 3713, likely fine", VerdictInconclusive, true},
		{"I think it is vulnerable", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		verdict, ok := parseStatus(tc.content)
		assert.Equal(t, tc.ok, ok, tc.content)
		assert.Equal(t, tc.verdict, verdict, tc.content)
	}
}
