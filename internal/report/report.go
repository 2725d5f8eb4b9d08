// Package report analyzes completed run databases.
//
// Drivers record their transcript into per-dataset sqlite3 files with three
// tables: runs (id, state, started_at, stopped_at), messages, and
// tool_calls. This package walks a results tree, computes per-run and
// per-dataset statistics, and aggregates them across datasets. Flags are
// recovered from SubmitFlag tool calls whose result does not reject the
// submission.
package report

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options selects which runs and flags participate in the report.
type Options struct {
	// PossibleFlags is the closed set of flags the benchmark can yield.
	// When non-empty, a submitted flag outside the set is an error in the
	// dataset. When empty, any submitted flag counts.
	PossibleFlags []string

	// IgnoreStates lists run states excluded from all statistics.
	IgnoreStates []string
}

func (o Options) ignored(state string) bool {
	for _, s := range o.IgnoreStates {
		if s == state {
			return true
		}
	}
	return false
}

// FlagSubmission is one accepted flag, tied to the message that submitted it.
type FlagSubmission struct {
	MessageID int64  `json:"message_id"`
	Flag      string `json:"flag"`
}

// ToolStats aggregates calls of one tool within a run.
type ToolStats struct {
	Calls       int     `json:"n_calls"`
	Duration    float64 `json:"duration"`
	AvgDuration float64 `json:"avg_duration"`
}

// RunReport holds the statistics of a single run.
type RunReport struct {
	ID        int64      `json:"id"`
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	// WallClock is StoppedAt minus StartedAt, zero when either is missing.
	WallClock time.Duration `json:"wall_clock,omitempty"`

	Messages          int     `json:"messages"`
	GeneratedMessages int     `json:"generated_messages"`
	Cost              float64 `json:"cost"`

	ToolCalls           int                  `json:"tool_calls"`
	ToolCallsPerMessage float64              `json:"tool_calls_per_message"`
	Tools               map[string]ToolStats `json:"tools,omitempty"`

	// SerializedMinutes is the sum of all message and tool-call durations,
	// the run's busy time with parallelism flattened out.
	SerializedMinutes float64 `json:"serialized_minutes"`

	Flags        []FlagSubmission `json:"flags"`
	InvalidFlags int              `json:"invalid_flags"`
}

// DatasetReport aggregates all runs of one sqlite3 database.
type DatasetReport struct {
	Path string `json:"path"`

	Cost         float64 `json:"cost"`
	FlagsFound   int     `json:"flags_found"`
	InvalidFlags int     `json:"invalid_flags"`
	IgnoredRuns  int     `json:"ignored_runs"`
	AvgFlags     float64 `json:"avg_flags"`

	FlagCounts map[string]int       `json:"flag_counts"`
	States     map[string]int       `json:"states"`
	Runs       map[int64]*RunReport `json:"runs"`
}

// Report is the cross-dataset rollup.
type Report struct {
	Cost        float64 `json:"cost"`
	FlagsFound  int     `json:"flags_found"`
	IgnoredRuns int     `json:"ignored_runs"`

	FlagCounts map[string]int            `json:"flag_counts"`
	States     map[string]int            `json:"states"`
	Datasets   map[string]*DatasetReport `json:"datasets"`
}

// EvaluateTree walks root for *.sqlite3 datasets and aggregates them.
func EvaluateTree(root string, opts Options) (*Report, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("dataset path %s is not a directory", root)
	}

	result := &Report{
		FlagCounts: newFlagCounts(opts.PossibleFlags),
		States:     make(map[string]int),
		Datasets:   make(map[string]*DatasetReport),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sqlite3") {
			return nil
		}
		ds, err := EvaluateDataset(path, opts)
		if err != nil {
			return fmt.Errorf("evaluating %s: %w", path, err)
		}
		result.Datasets[filepath.ToSlash(path)] = ds
		result.Cost += ds.Cost
		result.FlagsFound += ds.FlagsFound
		result.IgnoredRuns += ds.IgnoredRuns
		for flag, count := range ds.FlagCounts {
			result.FlagCounts[flag] += count
		}
		for state, count := range ds.States {
			result.States[state] += count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EvaluateDataset opens one run database read-only and reports on every
// non-ignored run in it.
func EvaluateDataset(path string, opts Options) (*DatasetReport, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := &DatasetReport{
		Path:       filepath.ToSlash(path),
		FlagCounts: newFlagCounts(opts.PossibleFlags),
		States:     make(map[string]int),
		Runs:       make(map[int64]*RunReport),
	}

	rows, err := db.Query("SELECT id, state, started_at, stopped_at FROM runs")
	if err != nil {
		return nil, fmt.Errorf("reading runs: %w", err)
	}
	defer rows.Close()

	type runRow struct {
		id                 int64
		state              string
		started, stopped   sql.NullString
	}
	var runRows []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.id, &r.state, &r.started, &r.stopped); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runRows = append(runRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range runRows {
		if opts.ignored(r.state) {
			result.IgnoredRuns++
			continue
		}

		run, err := evaluateRun(db, r.id, opts)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", r.id, err)
		}
		if run == nil {
			// Nothing was ever generated; the run carries no signal.
			continue
		}
		run.State = r.state
		run.StartedAt = parseRunTime(r.started)
		run.StoppedAt = parseRunTime(r.stopped)
		if run.StartedAt != nil && run.StoppedAt != nil {
			run.WallClock = run.StoppedAt.Sub(*run.StartedAt)
		}

		result.States[r.state]++
		result.Runs[r.id] = run
		result.Cost += run.Cost
		result.FlagsFound += len(run.Flags)
		result.InvalidFlags += run.InvalidFlags
		for _, f := range run.Flags {
			if len(opts.PossibleFlags) > 0 {
				if _, known := result.FlagCounts[f.Flag]; !known {
					return nil, fmt.Errorf("run %d submitted flag %q which is not a possible flag", r.id, f.Flag)
				}
			}
			result.FlagCounts[f.Flag]++
		}
	}

	if n := len(result.Runs); n > 0 {
		result.AvgFlags = float64(result.FlagsFound) / float64(n)
	}
	return result, nil
}

func evaluateRun(db *sql.DB, runID int64, opts Options) (*RunReport, error) {
	run := &RunReport{
		ID:    runID,
		Tools: make(map[string]ToolStats),
		Flags: []FlagSubmission{},
	}

	var msgDuration float64
	err := db.QueryRow(`
		SELECT COUNT(*),
		       COUNT(CASE WHEN length(usage_details) > 0 THEN 1 END),
		       COALESCE(SUM(cost), 0),
		       COALESCE(SUM(duration), 0)
		FROM messages WHERE run_id = ?`, runID).
		Scan(&run.Messages, &run.GeneratedMessages, &run.Cost, &msgDuration)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	if run.GeneratedMessages == 0 {
		return nil, nil
	}

	rows, err := db.Query(`
		SELECT message_id, function_name, arguments, result_text, duration
		FROM tool_calls WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("reading tool calls: %w", err)
	}
	defer rows.Close()

	var toolDuration float64
	for rows.Next() {
		var (
			messageID  int64
			name, args string
			resultText sql.NullString
			duration   float64
		)
		if err := rows.Scan(&messageID, &name, &args, &resultText, &duration); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}

		run.ToolCalls++
		toolDuration += duration
		stats := run.Tools[name]
		stats.Calls++
		stats.Duration += duration
		run.Tools[name] = stats

		if name != "SubmitFlag" {
			continue
		}
		if rejected(resultText.String) {
			run.InvalidFlags++
			continue
		}
		flag, err := flagArgument(args)
		if err != nil {
			return nil, fmt.Errorf("tool call on message %d: %w", messageID, err)
		}
		run.Flags = append(run.Flags, FlagSubmission{MessageID: messageID, Flag: flag})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for name, stats := range run.Tools {
		stats.AvgDuration = stats.Duration / float64(stats.Calls)
		run.Tools[name] = stats
	}
	run.ToolCallsPerMessage = float64(run.ToolCalls) / float64(run.GeneratedMessages)
	run.SerializedMinutes = (msgDuration + toolDuration) / 60

	sort.Slice(run.Flags, func(i, j int) bool { return run.Flags[i].MessageID < run.Flags[j].MessageID })
	return run, nil
}

// rejected reports whether a SubmitFlag result refused the submission.
func rejected(result string) bool {
	return strings.Contains(result, "Not a valid flag") ||
		strings.Contains(result, "Flag already submitted")
}

func flagArgument(rawArgs string) (string, error) {
	var args struct {
		Flag string `json:"flag"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("decoding SubmitFlag arguments %q: %w", rawArgs, err)
	}
	if args.Flag == "" {
		return "", fmt.Errorf("SubmitFlag arguments %q carry no flag", rawArgs)
	}
	return args.Flag, nil
}

func newFlagCounts(possible []string) map[string]int {
	counts := make(map[string]int, len(possible))
	for _, flag := range possible {
		counts[flag] = 0
	}
	return counts
}

// Run timestamps are recorded in ISO 8601, with or without zone or
// sub-second precision.
var runTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseRunTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	for _, layout := range runTimeLayouts {
		if t, err := time.Parse(layout, v.String); err == nil {
			return &t
		}
	}
	return nil
}
