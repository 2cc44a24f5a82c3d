package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zyufoye/vulnhalla/pkg/agent"
	"github.com/zyufoye/vulnhalla/pkg/codeql"
	"github.com/zyufoye/vulnhalla/pkg/locator"
	"github.com/zyufoye/vulnhalla/pkg/logging"
)

var (
	verifyDatabase    string
	verifySourceDir   string
	verifyModel       string
	verifyOutputFile  string
	verifyHintsDir    string
	verifyConcurrency int
	verifyMaxRounds   int
	verifyTemperature float64
	verifyTopP        float64
)

var verifyCmd = &cobra.Command{
	Use:   "verify [flags]",
	Short: "Verify CodeQL findings with tool-augmented LLM sessions",
	Long: `Verify CodeQL findings by running one bounded LLM session per finding.

Each session starts from the flagged line's enclosing function and can request
more code through tools (other functions, callers, classes, globals, macros)
until it returns a verdict: confirmed, not-confirmed, or inconclusive.

The database directory must contain the exported CSV tables
(FunctionTree.csv, issues.csv) next to codeql-database.yml. A directory of
databases is also accepted; every database under it is processed.

Examples:
  # Verify all findings in one database
  vulnhalla verify -d output/databases/nginx -s ~/src/nginx -o report.json

  # Verify every database under a directory, 8 sessions in parallel
  vulnhalla verify -d output/databases -s ~/src -c 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.NewLoggerFromEnv()

		providerConfig := agent.Config{
			Model:       verifyModel,
			Temperature: verifyTemperature,
			TopP:        verifyTopP,
		}
		if err := agent.LoadEnvironmentConfig(&providerConfig); err != nil {
			return err
		}
		provider := agent.NewOpenAIProvider(providerConfig)

		dbs, err := resolveDatabases(verifyDatabase)
		if err != nil {
			return err
		}

		sessionConfig := agent.DefaultSessionConfig()
		if verifyMaxRounds > 0 {
			sessionConfig.MaxRounds = verifyMaxRounds
		}
		hints := agent.NewHintSet(verifyHintsDir)

		report := &agent.Report{
			Database:  verifyDatabase,
			SourceDir: verifySourceDir,
			Model:     providerConfig.Model,
		}

		for _, db := range dbs {
			records, err := verifyDatabaseFindings(cmd.Context(), db, provider, hints, sessionConfig, logger)
			if err != nil {
				return fmt.Errorf("database %s: %w", db, err)
			}
			report.Records = append(report.Records, records...)
		}

		summary := report.Summary()
		logger.Info("verification complete",
			"component", "verify",
			"databases", len(dbs),
			"findings", len(report.Records),
			"confirmed", summary[agent.VerdictConfirmed],
			"not_confirmed", summary[agent.VerdictNotConfirmed],
			"inconclusive", summary[agent.VerdictInconclusive])

		if verifyOutputFile != "" {
			return agent.WriteReportToFile(report, verifyOutputFile)
		}
		return agent.WriteReportToStdout(report)
	},
}

// verifyDatabaseFindings runs sessions for every finding in one database.
func verifyDatabaseFindings(
	ctx context.Context,
	db string,
	provider agent.Provider,
	hints *agent.HintSet,
	sessionConfig agent.SessionConfig,
	logger *slog.Logger,
) ([]agent.VerdictRecord, error) {
	entities, err := codeql.LoadEntityTable(filepath.Join(db, codeql.EntityTableFile))
	if err != nil {
		return nil, err
	}
	index, err := codeql.BuildIndex(entities)
	if err != nil {
		return nil, err
	}

	findings, err := codeql.LoadFindingsTable(filepath.Join(db, codeql.FindingsTableFile))
	if err != nil {
		return nil, err
	}
	for i := range findings {
		findings[i].DBPath = db
	}

	sourceDir := verifySourceDir
	if sourceDir == "" {
		if meta, metaErr := codeql.LoadDatabaseMetadata(db); metaErr == nil {
			sourceDir = meta.SourceLocationPrefix
		}
	}
	if sourceDir == "" {
		return nil, fmt.Errorf("no source directory: pass --source or provide %s", codeql.MetadataFile)
	}

	loc := locator.New(sourceDir, index, codeql.BuildCallerGraph(index), nil)
	loc.WithSymbolTables(
		loadOptionalClasses(db),
		loadOptionalGlobals(db),
		loadOptionalMacros(db),
	)

	logger.Info("verifying database",
		"component", "verify",
		"database", db,
		"findings", len(findings),
		"entities", index.Len())

	orchestrator := agent.NewOrchestrator(
		provider,
		agent.NewVerificationRegistry(loc),
		loc,
		index,
		hints,
		sessionConfig,
		verifyConcurrency,
		nil,
	)
	return orchestrator.Run(ctx, findings), nil
}

func resolveDatabases(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	entityTable := filepath.Join(path, codeql.EntityTableFile)
	if _, err := os.Stat(entityTable); err == nil {
		return []string{path}, nil
	}

	dbs, err := codeql.FindDatabases(path)
	if err != nil {
		return nil, err
	}
	if len(dbs) == 0 {
		return nil, fmt.Errorf("no databases with exported tables under %s", path)
	}
	return dbs, nil
}

// Optional sidecar tables: a missing file just disables the table-backed
// resolution path.

func loadOptionalClasses(db string) []codeql.ClassRecord {
	classes, err := codeql.LoadClassTable(filepath.Join(db, codeql.ClassTableFile))
	if err != nil {
		return nil
	}
	return classes
}

func loadOptionalGlobals(db string) []codeql.GlobalVarRecord {
	globals, err := codeql.LoadGlobalVarTable(filepath.Join(db, codeql.GlobalVarsFile))
	if err != nil {
		return nil
	}
	return globals
}

func loadOptionalMacros(db string) []codeql.MacroRecord {
	macros, err := codeql.LoadMacroTable(filepath.Join(db, codeql.MacrosFile))
	if err != nil {
		return nil
	}
	return macros
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyDatabase, "database", "d", "", "CodeQL database directory, or a directory of databases (required)")
	verifyCmd.Flags().StringVarP(&verifySourceDir, "source", "s", "", "Source checkout directory (default: sourceLocationPrefix from codeql-database.yml)")
	verifyCmd.Flags().StringVarP(&verifyModel, "model", "m", "", "Model to use (default: OPENAI_API_MODEL)")
	verifyCmd.Flags().StringVarP(&verifyOutputFile, "output", "o", "", "Output file for the JSON report (default: stdout)")
	verifyCmd.Flags().StringVar(&verifyHintsDir, "hints", "", "Directory of per-rule hint templates")
	verifyCmd.Flags().IntVarP(&verifyConcurrency, "concurrency", "c", 4, "Concurrent sessions")
	verifyCmd.Flags().IntVar(&verifyMaxRounds, "max-rounds", 0, "Provider rounds per session before forcing inconclusive (default 24)")
	verifyCmd.Flags().Float64Var(&verifyTemperature, "temperature", 0.2, "Sampling temperature")
	verifyCmd.Flags().Float64Var(&verifyTopP, "top-p", 0.2, "Nucleus sampling")
	verifyCmd.MarkFlagRequired("database")

	rootCmd.AddCommand(verifyCmd)
}
