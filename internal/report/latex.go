package report

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// LatexSummary renders one booktabs tabular with a row per dataset.
// The preamble needs booktabs; the flag table additionally needs
// \newcommand{\flagcell}[2]{\cellcolor{blue!#1}#2} and graphicx.
func LatexSummary(r *Report) string {
	var b strings.Builder
	b.WriteString("\\begin{table}[t]\n\\centering\n\\small\n")
	b.WriteString("\\begin{tabular}{lrrrrrrr}\n\\toprule\n")
	b.WriteString("Dataset & $n$ & $\\sum \\text{flags}$ & $\\mu_{\\text{flags}}$ & " +
		"$\\sigma_{\\text{flags}}$ & $\\max(\\text{flags})$ & " +
		"$\\mu_{\\text{cost}}$ & cost/flag \\\\\n\\midrule\n")

	for _, path := range sortedDatasets(r) {
		ds := r.Datasets[path]
		n := len(ds.Runs)

		perRun := make([]float64, 0, n)
		maxFlags := 0
		for _, run := range ds.Runs {
			perRun = append(perRun, float64(len(run.Flags)))
			if len(run.Flags) > maxFlags {
				maxFlags = len(run.Flags)
			}
		}

		meanCost := 0.0
		if n > 0 {
			meanCost = ds.Cost / float64(n)
		}
		costPerFlag := math.NaN()
		if ds.FlagsFound > 0 {
			costPerFlag = ds.Cost / float64(ds.FlagsFound)
		}

		fmt.Fprintf(&b, "%s & %d & %d & %s & %s & %d & %s & %s \\\\\n",
			latexEscape(path), n, ds.FlagsFound,
			latexFloat(ds.AvgFlags, 2),
			latexFloat(pstdev(perRun), 2),
			maxFlags,
			latexFloat(meanCost, 3),
			latexFloat(costPerFlag, 3))
	}

	b.WriteString("\\bottomrule\n\\end{tabular}\n")
	fmt.Fprintf(&b, "\\caption{Per-dataset results over %d datasets (%d runs ignored).}\n",
		len(r.Datasets), r.IgnoredRuns)
	b.WriteString("\\end{table}")
	return b.String()
}

// LatexFlagTable renders the dense per-flag discovery table: one row per
// dataset, one column per flag, cells shaded by \flagcell with intensity
// normalised to the table's largest count.
func LatexFlagTable(r *Report) string {
	flags := make([]string, 0, len(r.FlagCounts))
	for flag := range r.FlagCounts {
		flags = append(flags, flag)
	}
	sort.Strings(flags)

	maxCount := 1
	for _, ds := range r.Datasets {
		for _, c := range ds.FlagCounts {
			if c > maxCount {
				maxCount = c
			}
		}
	}

	var b strings.Builder
	b.WriteString("\\begin{table}[t]\n\\centering\n\\scriptsize\n")
	b.WriteString("\\setlength{\\tabcolsep}{3pt}\n")
	fmt.Fprintf(&b, "\\begin{tabular}{l%s}\n\\toprule\n", strings.Repeat("r", len(flags)+1))

	b.WriteString("Dataset & Total")
	for _, flag := range flags {
		fmt.Fprintf(&b, " & \\rotatebox{90}{%s}", latexEscape(flag))
	}
	b.WriteString(" \\\\\n\\midrule\n")

	for _, path := range sortedDatasets(r) {
		ds := r.Datasets[path]
		fmt.Fprintf(&b, "%s & %d", latexEscape(path), ds.FlagsFound)
		for _, flag := range flags {
			c := ds.FlagCounts[flag]
			if c == 0 {
				b.WriteString(" & 0")
				continue
			}
			intensity := int(math.Round(100 * float64(c) / float64(maxCount)))
			fmt.Fprintf(&b, " & \\flagcell{%d}{%d}", intensity, c)
		}
		b.WriteString(" \\\\\n")
	}

	b.WriteString("\\bottomrule\n\\end{tabular}\n")
	b.WriteString("\\caption{Flag discovery counts per dataset, shaded by count.}\n")
	b.WriteString("\\end{table}")
	return b.String()
}

func sortedDatasets(r *Report) []string {
	paths := make([]string, 0, len(r.Datasets))
	for path := range r.Datasets {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func latexEscape(s string) string {
	return strings.ReplaceAll(s, "_", "\\_")
}

// latexFloat formats x for a table cell, rendering NaN as a dash.
func latexFloat(x float64, digits int) string {
	if math.IsNaN(x) {
		return "-"
	}
	return fmt.Sprintf("%.*f", digits, x)
}

// pstdev is the population standard deviation.
func pstdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
