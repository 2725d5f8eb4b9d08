package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"furnace/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report [dataset-dir]",
	Short: "Summarize sqlite3 run databases under a results directory",
	Long: `Walks the given directory for *.sqlite3 run databases and aggregates
per-run statistics: end state, message and tool-call counts, cost,
durations, and flags recovered from accepted SubmitFlag calls.

By default the aggregate is printed as JSON; --latex renders booktabs
tables instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		viper.BindPFlag("flags", cmd.Flags().Lookup("flags"))
		viper.BindPFlag("ignore-states", cmd.Flags().Lookup("ignore-states"))
		viper.BindPFlag("latex", cmd.Flags().Lookup("latex"))

		opts := report.Options{
			PossibleFlags: splitList(viper.GetString("flags")),
			IgnoreStates:  splitList(viper.GetString("ignore-states")),
		}

		result, err := report.EvaluateTree(args[0], opts)
		if err != nil {
			return err
		}

		if viper.GetBool("latex") {
			cmd.Println(report.LatexSummary(result))
			cmd.Println()
			cmd.Println(report.LatexFlagTable(result))
			return nil
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	},
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().String("flags", "", "flags the benchmark can yield (comma separated)")
	reportCmd.Flags().String("ignore-states", "", "run states to exclude (comma separated)")
	reportCmd.Flags().Bool("latex", false, "render LaTeX tables instead of JSON")
}
