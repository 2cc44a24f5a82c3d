package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vulnhalla",
	Short: "Agentic verification of static-analysis findings",
	Long: `Vulnhalla: Agentic verification of static-analysis findings
Drives a tool-augmented LLM conversation over CodeQL results to decide which
findings are real vulnerabilities.
Intended flow is verify -> rank.`,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
