package agent

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
)

// RankInfo is criticality ranking output attached to a record by the rank
// command.
type RankInfo struct {
	Score    float64 `json:"score"`
	Exposure int     `json:"exposure"`
	Pos      int     `json:"pos"` // 1-based, 1 = most critical
}

// VerdictRecord is the per-finding result: the finding, the session's
// verdict and the evidence trail that produced it.
type VerdictRecord struct {
	SessionID string         `json:"session_id"`
	Finding   codeql.Finding `json:"finding"`
	Verdict   Verdict        `json:"verdict"`
	Reason    string         `json:"reason,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
	Evidence  []Evidence     `json:"evidence,omitempty"`
	Usage     TokenUsage     `json:"usage"`
	Rank      *RankInfo      `json:"rank,omitempty"`
}

// Report is the output of a verification run.
type Report struct {
	Database  string          `json:"codeql_db"`
	SourceDir string          `json:"src_dir,omitempty"`
	Model     string          `json:"model,omitempty"`
	Records   []VerdictRecord `json:"results"`
}

// Summary counts records per verdict.
func (r *Report) Summary() map[Verdict]int {
	summary := make(map[Verdict]int)
	for _, rec := range r.Records {
		summary[rec.Verdict]++
	}
	return summary
}

// ReadReportFromFile reads a Report from a JSON file.
func ReadReportFromFile(filename string) (*Report, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report from %s: %w", filename, err)
	}
	return &report, nil
}

// ReadReportFromStdin reads a Report from stdin.
func ReadReportFromStdin() (*Report, error) {
	var report Report
	decoder := json.NewDecoder(os.Stdin)
	if err := decoder.Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to parse report from stdin: %w", err)
	}
	return &report, nil
}

// WriteReportToFile writes a Report to a JSON file.
func WriteReportToFile(report *Report, filename string) error {
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, output, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", filename, err)
	}
	return nil
}

// WriteReportToStdout writes a Report to stdout.
func WriteReportToStdout(report *Report) error {
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
