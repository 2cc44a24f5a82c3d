package codeql

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// File names the analysis engine writes into each database directory.
const (
	EntityTableFile   = "FunctionTree.csv"
	FindingsTableFile = "issues.csv"
	ClassTableFile    = "Classes.csv"
	GlobalVarsFile    = "GlobalVars.csv"
	MacrosFile        = "Macros.csv"
	MetadataFile      = "codeql-database.yml"
)

// LoadEntityTable parses the function tree table. Columns:
// name, file, start_line, entity_id, end_line, caller_id.
// Rows with non-numeric line fields are skipped, matching the producer's
// tolerance for partial rows; range validation happens at index build.
func LoadEntityTable(path string) ([]EntityRecord, error) {
	records, err := readCSV(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity table: %w", err)
	}

	var entities []EntityRecord
	for _, row := range records {
		if len(row) < 6 {
			continue
		}
		start, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			continue
		}
		end, err := strconv.Atoi(strings.TrimSpace(row[4]))
		if err != nil {
			continue
		}
		rec := EntityRecord{
			Name:      unquote(row[0]),
			File:      unquote(row[1]),
			StartLine: start,
			EndLine:   end,
			EntityID:  unquote(row[3]),
			CallerID:  unquote(row[5]),
		}
		if rec.EntityID == "" {
			rec.EntityID = fmt.Sprintf("%s:%d", rec.File, rec.StartLine)
		}
		entities = append(entities, rec)
	}
	return entities, nil
}

// LoadFindingsTable parses issues.csv. Columns:
// name, help, type, message, file, start_line, start_offset, end_line, end_offset.
func LoadFindingsTable(path string) ([]Finding, error) {
	records, err := readCSV(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read findings table: %w", err)
	}

	var findings []Finding
	for _, row := range records {
		if len(row) < 9 {
			continue
		}
		line, err := strconv.Atoi(strings.TrimSpace(row[5]))
		if err != nil {
			continue
		}
		startOffset, _ := strconv.Atoi(strings.TrimSpace(row[6]))
		endOffset, _ := strconv.Atoi(strings.TrimSpace(row[8]))
		findings = append(findings, Finding{
			RuleID:      unquote(row[0]),
			Help:        unquote(row[1]),
			Severity:    unquote(row[2]),
			Message:     unquote(row[3]),
			File:        unquote(row[4]),
			Line:        line,
			StartOffset: startOffset,
			EndOffset:   endOffset,
		})
	}
	return findings, nil
}

// LoadClassTable parses Classes.csv. Columns:
// type, name, file, start_line, end_line, simple_name.
func LoadClassTable(path string) ([]ClassRecord, error) {
	records, err := readCSV(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read class table: %w", err)
	}

	var classes []ClassRecord
	for _, row := range records {
		if len(row) < 6 {
			continue
		}
		start, err := strconv.Atoi(strings.TrimSpace(row[3]))
		if err != nil {
			continue
		}
		end, err := strconv.Atoi(strings.TrimSpace(row[4]))
		if err != nil {
			continue
		}
		classes = append(classes, ClassRecord{
			Kind:       unquote(row[0]),
			Name:       unquote(row[1]),
			File:       unquote(row[2]),
			StartLine:  start,
			EndLine:    end,
			SimpleName: unquote(row[5]),
		})
	}
	return classes, nil
}

// LoadGlobalVarTable parses GlobalVars.csv. Columns:
// name, file, start_line, end_line.
func LoadGlobalVarTable(path string) ([]GlobalVarRecord, error) {
	records, err := readCSV(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read global variable table: %w", err)
	}

	var vars []GlobalVarRecord
	for _, row := range records {
		if len(row) < 4 {
			continue
		}
		start, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			continue
		}
		end, err := strconv.Atoi(strings.TrimSpace(row[3]))
		if err != nil {
			continue
		}
		vars = append(vars, GlobalVarRecord{
			Name:      unquote(row[0]),
			File:      unquote(row[1]),
			StartLine: start,
			EndLine:   end,
		})
	}
	return vars, nil
}

// LoadMacroTable parses Macros.csv. Columns: name, body.
func LoadMacroTable(path string) ([]MacroRecord, error) {
	records, err := readCSV(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read macro table: %w", err)
	}

	var macros []MacroRecord
	for _, row := range records {
		if len(row) < 2 {
			continue
		}
		macros = append(macros, MacroRecord{
			Name: unquote(row[0]),
			Body: unquote(strings.Join(row[1:], ",")),
		})
	}
	return macros, nil
}

// LoadDatabaseMetadata reads codeql-database.yml from a database directory.
func LoadDatabaseMetadata(dbPath string) (*DatabaseMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dbPath, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read database metadata: %w", err)
	}

	var meta DatabaseMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse database metadata: %w", err)
	}
	return &meta, nil
}

// FindDatabases lists subdirectories of root that contain both the entity
// table and the findings table, i.e. databases the query stage has finished
// processing.
func FindDatabases(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list database folder %s: %w", root, err)
	}

	var dbs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dbPath := filepath.Join(root, entry.Name())
		if fileExists(filepath.Join(dbPath, EntityTableFile)) &&
			fileExists(filepath.Join(dbPath, FindingsTableFile)) {
			dbs = append(dbs, dbPath)
		}
	}
	return dbs, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader.ReadAll()
}

// unquote trims the extra quote pair the CodeQL exporter wraps around values
// on top of the CSV quoting. Inner quotes are content: string literals in
// macro bodies and the [["name"|"location"]] references in issue messages.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
		s = s[1 : len(s)-1]
	}
	return s
}
