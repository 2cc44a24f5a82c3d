package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
)

// State is the session lifecycle state.
type State string

const (
	StateOpen          State = "OPEN"
	StateThinking      State = "THINKING"
	StateAwaitingTools State = "AWAITING_TOOLS"
	StateTerminated    State = "TERMINATED"
)

// Verdict is the session's conclusion about a finding.
type Verdict string

const (
	VerdictConfirmed    Verdict = "confirmed"
	VerdictNotConfirmed Verdict = "not-confirmed"
	VerdictInconclusive Verdict = "inconclusive"
)

// Status codes the model uses to report its conclusion.
const (
	statusVulnerable   = "1337"
	statusSecure       = "1007"
	statusMoreData     = "7331"
	statusProbablyFine = "3713"
)

// Evidence is one tool call and its result, in dispatch order.
type Evidence struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// SessionConfig bounds a verification session.
type SessionConfig struct {
	MaxRounds          int // provider rounds before a forced inconclusive stop
	NagAfterToolRounds int // tool rounds before the wrap-it-up reminder
	Retry              RetryPolicy
}

// DefaultSessionConfig returns the standard session bounds.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRounds:          24,
		NagAfterToolRounds: 6,
		Retry:              DefaultRetryPolicy(),
	}
}

// Outcome is the terminal result of a session.
type Outcome struct {
	SessionID string     `json:"session_id"`
	Verdict   Verdict    `json:"verdict"`
	Reason    string     `json:"reason,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	Evidence  []Evidence `json:"evidence,omitempty"`
	Usage     TokenUsage `json:"usage"`
	Rounds    int        `json:"rounds"`
}

// Session drives one bounded conversation about a single finding. The
// conversation alternates between asking the provider and satisfying its
// tool calls until a status code arrives or the round budget runs out.
type Session struct {
	id       string
	provider Provider
	registry *Registry
	config   SessionConfig
	logger   *slog.Logger

	state      State
	messages   []Message
	cursor     codeql.EntityRecord
	evidence   []Evidence
	toolRounds int
	usage      TokenUsage

	verdict   Verdict
	reason    string
	rationale string
}

// NewSession creates an open session. cursor is the entity the finding sits
// in; get_caller_function climbs from there.
func NewSession(provider Provider, registry *Registry, config SessionConfig, cursor codeql.EntityRecord, logger *slog.Logger) *Session {
	if config.MaxRounds <= 0 {
		config.MaxRounds = DefaultSessionConfig().MaxRounds
	}
	if config.NagAfterToolRounds <= 0 {
		config.NagAfterToolRounds = DefaultSessionConfig().NagAfterToolRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		provider: provider,
		registry: registry,
		config:   config,
		cursor:   cursor,
		state:    StateOpen,
		logger:   logger.With("component", "session", "session_id", id),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Run executes the session to termination and returns its outcome. It never
// returns an error: provider failures and cancellation terminate the
// session with an inconclusive verdict and a recorded reason.
func (s *Session) Run(ctx context.Context, prompt string) Outcome {
	s.messages = append(systemMessages(), Message{Role: RoleUser, Content: prompt})
	s.state = StateThinking

	rounds := 0
	for ; rounds < s.config.MaxRounds && s.state != StateTerminated; rounds++ {
		if ctx.Err() != nil {
			s.terminate(VerdictInconclusive, "session cancelled: "+ctx.Err().Error(), "")
			break
		}
		s.step(ctx)
	}
	if s.state != StateTerminated {
		s.terminate(VerdictInconclusive, "round budget exhausted without a status code", "")
	}

	s.logger.Info("session terminated",
		"operation", "run",
		"verdict", s.verdict,
		"rounds", rounds,
		"tool_rounds", s.toolRounds)

	return Outcome{
		SessionID: s.id,
		Verdict:   s.verdict,
		Reason:    s.reason,
		Rationale: s.rationale,
		Evidence:  s.evidence,
		Usage:     s.usage,
		Rounds:    rounds,
	}
}

// step runs one provider round: send the conversation, then either record a
// verdict, nudge the model, or satisfy its tool calls.
func (s *Session) step(ctx context.Context) {
	reply, err := Retry(ctx, s.config.Retry, func(ctx context.Context) (Reply, error) {
		return s.provider.Complete(ctx, s.messages, s.registry.Specs())
	})
	if err != nil {
		if ctx.Err() != nil {
			s.terminate(VerdictInconclusive, "session cancelled: "+ctx.Err().Error(), "")
			return
		}
		s.terminate(VerdictInconclusive, "provider failure: "+err.Error(), "")
		return
	}
	s.usage.Add(reply.Usage)

	s.messages = append(s.messages, Message{
		Role:      RoleAssistant,
		Content:   reply.Content,
		ToolCalls: reply.ToolCalls,
	})

	if len(reply.ToolCalls) == 0 {
		if verdict, ok := parseStatus(reply.Content); ok {
			s.terminate(verdict, "", reply.Content)
			return
		}
		s.messages = append(s.messages, Message{Role: RoleSystem, Content: nudgeContent})
		return
	}

	s.state = StateAwaitingTools
	s.toolRounds++

	var mappings []ArgMapPair
	for _, call := range reply.ToolCalls {
		result, next, mapping := s.registry.Dispatch(call, s.cursor)
		s.evidence = append(s.evidence, Evidence{Call: call, Result: result})
		s.messages = append(s.messages, Message{
			Role:       RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    result.Content,
		})
		if mapping != nil {
			mappings = append(mappings, *mapping)
		}
		if next != nil {
			s.cursor = *next
		}
		s.logger.Debug("tool dispatched",
			"operation", "step",
			"tool", call.Name,
			"error", result.IsError)
	}

	// Argument-mapping exchanges land after all tool results so the model
	// sees how the caller's variables flow into the callee.
	for _, pair := range mappings {
		s.mapArguments(ctx, pair)
	}

	if s.toolRounds >= s.config.NagAfterToolRounds {
		s.messages = append(s.messages, Message{Role: RoleSystem, Content: nagContent})
	}
	s.state = StateThinking
}

// mapArguments runs one auxiliary completion relating a caller's variables
// to the callee's parameters and appends the answer to the conversation. A
// failed exchange is dropped; the tool result itself already went through.
func (s *Session) mapArguments(ctx context.Context, pair ArgMapPair) {
	reply, err := Retry(ctx, s.config.Retry, func(ctx context.Context) (Reply, error) {
		return s.provider.Complete(ctx,
			[]Message{{Role: RoleUser, Content: argMappingPrompt(pair.Caller, pair.Callee)}}, nil)
	})
	if err != nil {
		s.logger.Debug("argument mapping skipped",
			"operation", "map_arguments",
			"error", err)
		return
	}
	s.usage.Add(reply.Usage)
	s.messages = append(s.messages, Message{Role: RoleAssistant, Content: reply.Content})
}

// terminate records the verdict. The first termination wins.
func (s *Session) terminate(verdict Verdict, reason, rationale string) {
	if s.state == StateTerminated {
		return
	}
	s.state = StateTerminated
	s.verdict = verdict
	s.reason = reason
	s.rationale = rationale
}

// parseStatus extracts a verdict from final answer text. The vulnerable
// code takes precedence when several codes appear.
func parseStatus(content string) (Verdict, bool) {
	if content == "" {
		return "", false
	}
	switch {
	case strings.Contains(content, statusVulnerable):
		return VerdictConfirmed, true
	case strings.Contains(content, statusSecure):
		return VerdictNotConfirmed, true
	case strings.Contains(content, statusMoreData), strings.Contains(content, statusProbablyFine):
		return VerdictInconclusive, true
	default:
		return "", false
	}
}
