package cmd

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func writeRunDatabase(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE runs (id INTEGER PRIMARY KEY, state TEXT, started_at TEXT, stopped_at TEXT)`,
		`CREATE TABLE messages (id INTEGER, run_id INTEGER, role TEXT, content TEXT, reasoning TEXT,
			duration REAL, tokens_query INTEGER, tokens_response INTEGER, tokens_reasoning INTEGER,
			usage_details TEXT, cost REAL)`,
		`CREATE TABLE tool_calls (id INTEGER, run_id INTEGER, message_id INTEGER, function_name TEXT,
			arguments TEXT, state TEXT, result_text TEXT, duration REAL)`,
		`INSERT INTO runs VALUES (1, 'success', '', '')`,
		`INSERT INTO runs VALUES (2, 'in progress', '', '')`,
		`INSERT INTO messages VALUES (0, 1, 'assistant', '', '', 10, 0, 0, 0, '{"t":1}', 0.75)`,
		`INSERT INTO tool_calls VALUES (0, 1, 0, 'SubmitFlag', '{"flag":"FLAG{alpha}"}', 'done', 'Correct!', 2)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
}

func TestReportCommand_JSON(t *testing.T) {
	resetViper()
	dir := t.TempDir()
	writeRunDatabase(t, filepath.Join(dir, "bench.sqlite3"))

	output, err := execute("report", dir,
		"--flags", "FLAG{alpha},FLAG{beta}",
		"--ignore-states", "in progress")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Cost        float64        `json:"cost"`
		FlagsFound  int            `json:"flags_found"`
		IgnoredRuns int            `json:"ignored_runs"`
		FlagCounts  map[string]int `json:"flag_counts"`
	}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, output)
	}
	if result.Cost != 0.75 {
		t.Errorf("cost = %v, want 0.75", result.Cost)
	}
	if result.FlagsFound != 1 || result.FlagCounts["FLAG{alpha}"] != 1 {
		t.Errorf("flags = %d, counts = %v", result.FlagsFound, result.FlagCounts)
	}
	if result.IgnoredRuns != 1 {
		t.Errorf("ignored runs = %d, want 1", result.IgnoredRuns)
	}
}

func TestReportCommand_Latex(t *testing.T) {
	resetViper()
	dir := t.TempDir()
	writeRunDatabase(t, filepath.Join(dir, "bench.sqlite3"))

	output, err := execute("report", dir, "--latex", "--flags", "FLAG{alpha}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "\\begin{tabular}") || !strings.Contains(output, "\\toprule") {
		t.Errorf("expected booktabs tables, got:\n%s", output)
	}
	if !strings.Contains(output, "\\flagcell{100}{1}") {
		t.Errorf("expected shaded flag cell, got:\n%s", output)
	}
}

func TestReportCommand_MissingDirectory(t *testing.T) {
	resetViper()
	if _, err := execute("report", filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing dataset directory")
	}
}
