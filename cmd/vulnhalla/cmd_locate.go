package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
	"github.com/zyufoye/vulnhalla/pkg/locator"
)

var (
	locateDatabase  string
	locateSourceDir string
	locateKind      string
	locateFile      string
)

var locateCmd = &cobra.Command{
	Use:   "locate [flags] <name>",
	Short: "Resolve a symbol the way verification sessions do",
	Long: `Resolve a symbol against a database and print its source snippet.

This is a debugging aid for the resolution layer that backs the verification
tools. It answers "what would the session see" for a given name without
spending any model tokens.

Kinds:
  function  function body by name (optionally qualified with ::)
  caller    direct caller of the function's entity
  class     class, struct, union, or enum definition
  global    global variable declaration
  macro     macro definition

Examples:
  vulnhalla locate -d output/databases/nginx -s ~/src/nginx ngx_http_parse_uri
  vulnhalla locate -d output/databases/nginx -s ~/src/nginx -k class ngx_connection_s
  vulnhalla locate -d output/databases/nginx -s ~/src/nginx -k macro NGX_OK`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		entities, err := codeql.LoadEntityTable(filepath.Join(locateDatabase, codeql.EntityTableFile))
		if err != nil {
			return err
		}
		index, err := codeql.BuildIndex(entities)
		if err != nil {
			return err
		}

		sourceDir := locateSourceDir
		if sourceDir == "" {
			if meta, metaErr := codeql.LoadDatabaseMetadata(locateDatabase); metaErr == nil {
				sourceDir = meta.SourceLocationPrefix
			}
		}
		if sourceDir == "" {
			return fmt.Errorf("no source directory: pass --source or provide %s", codeql.MetadataFile)
		}

		loc := locator.New(sourceDir, index, codeql.BuildCallerGraph(index), nil)
		loc.WithSymbolTables(
			loadOptionalClasses(locateDatabase),
			loadOptionalGlobals(locateDatabase),
			loadOptionalMacros(locateDatabase),
		)

		switch locateKind {
		case "function":
			matches, err := loc.FunctionBody(name, locateFile)
			if err != nil {
				return err
			}
			printMatches(matches)
		case "caller":
			records := index.LookupByName(name)
			if len(records) == 0 {
				return fmt.Errorf("no entity record for %q", name)
			}
			match, caller, err := loc.CallerOf(records[0].EntityID)
			if err != nil {
				return err
			}
			fmt.Printf("caller: %s (%s:%d)\n%s\n", caller.Name, caller.File, caller.StartLine, match.Text)
		case "class":
			matches, err := loc.TypeDefinition(name, locateFile)
			if err != nil {
				return err
			}
			printMatches(matches)
		case "global":
			matches, err := loc.GlobalVariable(name, locateFile)
			if err != nil {
				return err
			}
			printMatches(matches)
		case "macro":
			matches, err := loc.MacroDefinition(name)
			if err != nil {
				return err
			}
			printMatches(matches)
		default:
			return fmt.Errorf("unknown kind %q (want function, caller, class, global, or macro)", locateKind)
		}
		return nil
	},
}

func printMatches(matches []locator.Match) {
	for i, match := range matches {
		if i > 0 {
			fmt.Println()
		}
		fmt.Println(match.Text)
	}
}

func init() {
	locateCmd.Flags().StringVarP(&locateDatabase, "database", "d", "", "CodeQL database directory (required)")
	locateCmd.Flags().StringVarP(&locateSourceDir, "source", "s", "", "Source checkout directory (default: sourceLocationPrefix from codeql-database.yml)")
	locateCmd.Flags().StringVarP(&locateKind, "kind", "k", "function", "Symbol kind: function, caller, class, global, or macro")
	locateCmd.Flags().StringVarP(&locateFile, "file", "f", "", "Restrict resolution to a file")
	locateCmd.MarkFlagRequired("database")

	rootCmd.AddCommand(locateCmd)
}
