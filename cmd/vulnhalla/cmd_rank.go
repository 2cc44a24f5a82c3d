package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/noperator/raink/pkg/raink"
	"github.com/openai/openai-go"
	"github.com/spf13/cobra"

	"github.com/zyufoye/vulnhalla/pkg/agent"
)

var (
	rankInputFile  string
	rankPromptFile string
	rankModel      string
	rankRuns       int
	rankBatchSize  int
	rankRatio      float64
	rankAll        bool
)

// defaultRankPrompt is used when no prompt file is given.
const defaultRankPrompt = `Rank these verified vulnerability findings by criticality.
Consider, in order: likelihood of being a true positive, exploitability and
attack complexity, impact if exploited, and whether the affected code is on a
critical path. The most critical finding ranks first.`

// formatRecordForRanking flattens one verdict record into the single-line
// description raink compares.
func formatRecordForRanking(record agent.VerdictRecord) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Rule: %s", record.Finding.RuleID))
	parts = append(parts, fmt.Sprintf("Location: %s", record.Finding.Location()))
	parts = append(parts, fmt.Sprintf("Verdict: %s", record.Verdict))
	if record.Finding.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", record.Finding.Message))
	}
	if record.Rationale != "" {
		parts = append(parts, fmt.Sprintf("Rationale: %s", record.Rationale))
	}

	return strings.Join(parts, " | ")
}

var rankCmd = &cobra.Command{
	Use:   "rank [flags]",
	Short: "Rank confirmed findings by criticality",
	Long: `Rank confirmed findings using LLM-based comparative ranking.

This command takes a verification report and orders its confirmed findings by
criticality: true-positive likelihood, exploitability, impact, and how
critical the affected code path is. The ranking is performed with the raink
library, which uses batched comparisons to establish relative order.

Examples:
  # Verify then rank
  vulnhalla verify -d output/databases/nginx -s ~/src/nginx | vulnhalla rank

  # Rank an existing report with custom parameters
  vulnhalla rank -i report.json -m gpt-4o -r 20 -s 5 --ratio 0.7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var report *agent.Report
		var err error
		if rankInputFile == "" {
			report, err = agent.ReadReportFromStdin()
		} else {
			report, err = agent.ReadReportFromFile(rankInputFile)
		}
		if err != nil {
			return err
		}

		candidates := report.Records
		if !rankAll {
			candidates = nil
			for _, rec := range report.Records {
				if rec.Verdict == agent.VerdictConfirmed {
					candidates = append(candidates, rec)
				}
			}
		}
		if len(candidates) == 0 {
			return fmt.Errorf("no confirmed findings to rank")
		}

		prompt := defaultRankPrompt
		if rankPromptFile != "" {
			promptBytes, err := os.ReadFile(rankPromptFile)
			if err != nil {
				return fmt.Errorf("failed to read prompt file: %w", err)
			}
			prompt = strings.TrimSpace(string(promptBytes))
		}

		providerConfig := agent.Config{Model: rankModel}
		if err := agent.LoadEnvironmentConfig(&providerConfig); err != nil {
			return err
		}

		config := &raink.Config{
			InitialPrompt:   prompt,
			BatchSize:       rankBatchSize,
			NumRuns:         rankRuns,
			OpenAIModel:     openai.ChatModel(providerConfig.Model),
			TokenLimit:      8000,
			RefinementRatio: rankRatio,
			OpenAIKey:       providerConfig.APIKey,
			OpenAIAPIURL:    providerConfig.BaseURL,
			Encoding:        "o200k_base",
			BatchTokens:     8000,
		}

		ranker, err := raink.NewRanker(config)
		if err != nil {
			return fmt.Errorf("failed to create ranker: %w", err)
		}

		objects := make([]map[string]interface{}, len(candidates))
		idToIndex := make(map[string]int)
		for i, rec := range candidates {
			objects[i] = map[string]interface{}{
				"id":    fmt.Sprintf("finding_%d", i),
				"value": formatRecordForRanking(rec),
			}
			jsonBytes, _ := json.Marshal(objects[i])
			idToIndex[raink.ShortDeterministicID(string(jsonBytes), 8)] = i
		}

		tempFile, err := os.CreateTemp("", "rank_*.json")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		defer os.Remove(tempFile.Name())

		tempEncoder := json.NewEncoder(tempFile)
		if err := tempEncoder.Encode(objects); err != nil {
			return fmt.Errorf("failed to write temp file: %w", err)
		}
		tempFile.Close()

		results, err := ranker.RankFromFile(tempFile.Name(), "", true)
		if err != nil {
			return fmt.Errorf("ranking failed: %w", err)
		}

		for pos, result := range results {
			index, ok := idToIndex[result.Key]
			if !ok {
				continue
			}
			candidates[index].Rank = &agent.RankInfo{
				Score:    result.Score,
				Exposure: result.Exposure,
				Pos:      pos + 1,
			}
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Rank == nil {
				return false
			}
			if candidates[j].Rank == nil {
				return true
			}
			return candidates[i].Rank.Pos < candidates[j].Rank.Pos
		})

		ranked := &agent.Report{
			Database:  report.Database,
			SourceDir: report.SourceDir,
			Model:     report.Model,
			Records:   candidates,
		}
		return agent.WriteReportToStdout(ranked)
	},
}

func init() {
	rankCmd.Flags().StringVarP(&rankInputFile, "input", "i", "", "Input report file (default: stdin)")
	rankCmd.Flags().StringVarP(&rankPromptFile, "prompt", "p", "", "Path to ranking prompt file (default: built-in prompt)")
	rankCmd.Flags().StringVarP(&rankModel, "model", "m", "", "Model to use for ranking (default: OPENAI_API_MODEL)")
	rankCmd.Flags().IntVarP(&rankRuns, "runs", "r", 10, "Number of ranking runs")
	rankCmd.Flags().IntVarP(&rankBatchSize, "batch-size", "s", 10, "Batch size for ranking")
	rankCmd.Flags().Float64Var(&rankRatio, "ratio", 0.5, "Refinement ratio")
	rankCmd.Flags().BoolVar(&rankAll, "all", false, "Rank every record, not just confirmed findings")

	rootCmd.AddCommand(rankCmd)
}
