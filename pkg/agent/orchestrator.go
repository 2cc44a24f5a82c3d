package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
	"github.com/zyufoye/vulnhalla/pkg/locator"
)

// Orchestrator runs one verification session per finding over a shared
// read-only index and locator.
type Orchestrator struct {
	provider    Provider
	registry    *Registry
	locator     *locator.Locator
	index       *codeql.Index
	hints       *HintSet
	config      SessionConfig
	concurrency int
	logger      *slog.Logger
}

// NewOrchestrator wires a verification run.
func NewOrchestrator(
	provider Provider,
	registry *Registry,
	loc *locator.Locator,
	index *codeql.Index,
	hints *HintSet,
	config SessionConfig,
	concurrency int,
	logger *slog.Logger,
) *Orchestrator {
	if hints == nil {
		hints = NewHintSet("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:    provider,
		registry:    registry,
		locator:     loc,
		index:       index,
		hints:       hints,
		config:      config,
		concurrency: concurrency,
		logger:      logger.With("component", "orchestrator"),
	}
}

// Run verifies all findings and returns exactly one record per finding, in
// input order. Failed sessions become inconclusive records, never gaps.
func (o *Orchestrator) Run(ctx context.Context, findings []codeql.Finding) []VerdictRecord {
	pool := NewWorkerPool[codeql.Finding, VerdictRecord](o.concurrency)
	records, err := pool.ProcessItems(ctx, findings,
		ProcessFunc[codeql.Finding, VerdictRecord](o.verifyFinding),
		"verify_findings")
	if err != nil {
		o.logger.Warn("verification run finished with errors", "operation", "run", "error", err)
	}

	// Workers stop picking up items on cancellation; whatever they left
	// untouched still gets an inconclusive record.
	for i := range records {
		if records[i].Verdict == "" {
			reason := "session never ran"
			if ctx.Err() != nil {
				reason = "session cancelled before it started: " + ctx.Err().Error()
			}
			records[i] = VerdictRecord{
				SessionID: uuid.NewString(),
				Finding:   findings[i],
				Verdict:   VerdictInconclusive,
				Reason:    reason,
			}
		}
	}
	return records
}

// verifyFinding builds the prompt for one finding and drives its session.
func (o *Orchestrator) verifyFinding(ctx context.Context, finding codeql.Finding) (VerdictRecord, error) {
	cursor, prompt, err := o.buildPrompt(finding)
	if err != nil {
		// Nothing to reason about; record it rather than dropping the finding.
		o.logger.Warn("prompt construction failed",
			"operation", "verify_finding",
			"finding", finding.Location(),
			"error", err)
		return VerdictRecord{
			SessionID: uuid.NewString(),
			Finding:   finding,
			Verdict:   VerdictInconclusive,
			Reason:    "failed to build prompt: " + err.Error(),
		}, nil
	}

	session := NewSession(o.provider, o.registry, o.config, cursor, o.logger)
	outcome := session.Run(ctx, prompt)

	o.logger.Info("finding verified",
		"operation", "verify_finding",
		"finding", finding.Location(),
		"rule", finding.RuleID,
		"verdict", outcome.Verdict)

	return VerdictRecord{
		SessionID: outcome.SessionID,
		Finding:   finding,
		Verdict:   outcome.Verdict,
		Reason:    outcome.Reason,
		Rationale: outcome.Rationale,
		Evidence:  outcome.Evidence,
		Usage:     outcome.Usage,
	}, nil
}

// buildPrompt assembles the finding prompt: expanded message, flagged
// snippet, enclosing function body and any referenced functions. A finding
// outside every known entity still gets a prompt; the model is told the
// enclosing function is unavailable.
func (o *Orchestrator) buildPrompt(finding codeql.Finding) (codeql.EntityRecord, string, error) {
	var cursor codeql.EntityRecord
	code := "(enclosing function unavailable; use the tools to request code)"

	rec, err := o.index.Lookup(finding.File, finding.Line)
	switch {
	case err == nil:
		cursor = rec
		if m, snipErr := o.locator.EntitySnippet(rec); snipErr == nil {
			code = m.Text
		}
	case errors.Is(err, codeql.ErrNoEnclosingEntity):
		o.logger.Warn("no enclosing function for finding",
			"operation", "build_prompt",
			"finding", finding.Location())
	default:
		return codeql.EntityRecord{}, "", err
	}

	snippet := o.flaggedSnippet(finding)
	message := ExpandReferences(finding.Message, o.locator)
	code = o.appendReferencedFunctions(code, finding, cursor)

	prompt, err := BuildFindingPrompt(finding, message, snippet, code, o.hints.HintsFor(finding.RuleID))
	if err != nil {
		return codeql.EntityRecord{}, "", err
	}
	return cursor, prompt, nil
}

func (o *Orchestrator) flaggedSnippet(finding codeql.Finding) string {
	lines, err := o.locator.FileLines(finding.File)
	if err != nil || finding.Line < 1 || finding.Line > len(lines) {
		return ""
	}
	return sliceOffsets(lines[finding.Line-1], finding.StartOffset, finding.EndOffset)
}

// appendReferencedFunctions widens the code context with the enclosing
// functions of locations the finding message points at.
func (o *Orchestrator) appendReferencedFunctions(code string, finding codeql.Finding, cursor codeql.EntityRecord) string {
	seen := map[string]bool{cursor.EntityID: true}
	var extra []string

	for _, ref := range ReferencedFiles(finding.Message) {
		rec, err := o.index.Lookup(ref.File, ref.Line)
		if err != nil || seen[rec.EntityID] {
			continue
		}
		seen[rec.EntityID] = true
		if m, snipErr := o.locator.EntitySnippet(rec); snipErr == nil {
			extra = append(extra, m.Text)
		}
	}

	if len(extra) == 0 {
		return code
	}
	return fmt.Sprintf("%s\n\n%s", code, strings.Join(extra, "\n\n"))
}
