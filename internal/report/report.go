package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/mpsearch/internal/evaluate"
	"github.com/signalnine/mpsearch/internal/result"
	"github.com/signalnine/mpsearch/internal/sampler"
)

var Formats = []string{"table", "markdown", "json", "xlsx"}

type Options struct {
	Format string
	// RankMetric orders candidates by the mean of its scores over every
	// output column. Defaults to mse.
	RankMetric string
	// Top limits the ranked candidates listed per family. Zero lists all.
	Top int
}

type FamilySummary struct {
	Family    string        `json:"family"`
	Evaluated int           `json:"evaluated"`
	Failed    int           `json:"failed"`
	Best      *RankedEntry  `json:"best,omitempty"`
	Ranked    []RankedEntry `json:"ranked"`
}

type RankedEntry struct {
	Rank   int                `json:"rank"`
	Index  int                `json:"index"`
	Score  float64            `json:"score"`
	Params sampler.Params     `json:"params"`
	Scores map[string]float64 `json:"scores"`
}

type Report struct {
	RunID      string          `json:"run_id"`
	Complete   bool            `json:"complete"`
	Expected   int             `json:"expected"`
	Received   int             `json:"received"`
	RankMetric string          `json:"rank_metric"`
	Families   []FamilySummary `json:"families"`
}

// Generate reads the run in runDir and writes a ranked summary to w.
func Generate(runDir string, opts Options, w io.Writer) error {
	rep, err := Build(runDir, opts)
	if err != nil {
		return err
	}
	switch opts.Format {
	case "markdown":
		return writeMarkdown(rep, w)
	case "json":
		return writeJSON(rep, w)
	case "xlsx":
		return writeXLSX(rep, w)
	case "", "table":
		return writeTable(rep, w)
	}
	return fmt.Errorf("unknown report format %q (known: %v)", opts.Format, Formats)
}

// Build loads a persisted run and ranks every family's candidates.
func Build(runDir string, opts Options) (*Report, error) {
	if opts.RankMetric == "" {
		opts.RankMetric = "mse"
	}
	if _, err := evaluate.MetricByName(opts.RankMetric); err != nil {
		return nil, err
	}
	m, err := result.ReadManifest(runDir)
	if err != nil {
		return nil, err
	}
	failed, err := result.CountFailures(runDir)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		RunID:      m.RunID,
		Complete:   m.Complete,
		Expected:   m.Expected,
		Received:   m.Received,
		RankMetric: opts.RankMetric,
	}
	for _, info := range m.Tables {
		if info.Rows > 0 && !hasPrefix(info.Scores, opts.RankMetric+"_") {
			return nil, fmt.Errorf("run %s has no %s scores for %s", m.RunID, opts.RankMetric, info.Family)
		}
		t, err := result.ReadTable(runDir, info)
		if err != nil {
			return nil, err
		}
		fs := summarize(t, opts)
		fs.Failed = failed[info.Family]
		rep.Families = append(rep.Families, fs)
	}
	return rep, nil
}

func summarize(t *result.Table, opts Options) FamilySummary {
	prefix := opts.RankMetric + "_"
	fs := FamilySummary{Family: t.Family, Evaluated: len(t.Rows)}
	for _, e := range t.Rows {
		fs.Ranked = append(fs.Ranked, RankedEntry{
			Index:  e.Index,
			Score:  meanWithPrefix(e.Scores, prefix),
			Params: e.Params,
			Scores: e.Scores,
		})
	}
	higher := evaluate.HigherIsBetter(opts.RankMetric)
	sort.SliceStable(fs.Ranked, func(i, j int) bool {
		a, b := fs.Ranked[i].Score, fs.Ranked[j].Score
		if math.IsNaN(a) || math.IsNaN(b) {
			return !math.IsNaN(a) && math.IsNaN(b)
		}
		if higher {
			return a > b
		}
		return a < b
	})
	for i := range fs.Ranked {
		fs.Ranked[i].Rank = i + 1
	}
	if len(fs.Ranked) > 0 {
		best := fs.Ranked[0]
		fs.Best = &best
	}
	if opts.Top > 0 && len(fs.Ranked) > opts.Top {
		fs.Ranked = fs.Ranked[:opts.Top]
	}
	return fs
}

func meanWithPrefix(scores map[string]float64, prefix string) float64 {
	var sum float64
	n := 0
	for k, v := range scores {
		if strings.HasPrefix(k, prefix) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func hasPrefix(keys []string, prefix string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func formatParams(p sampler.Params) string {
	parts := make([]string, 0, len(p))
	for _, name := range p.Names() {
		parts = append(parts, name+"="+sampler.FormatValue(p[name]))
	}
	return strings.Join(parts, " ")
}

func writeTable(rep *Report, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tEVALUATED\tFAILED\tBEST\t"+strings.ToUpper(rep.RankMetric)+"\tPARAMS")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, fs := range rep.Families {
		if fs.Best == nil {
			fmt.Fprintf(tw, "%s\t%d\t%d\t-\t-\t-\n", fs.Family, fs.Evaluated, fs.Failed)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t#%d\t%.4g\t%s\n",
			fs.Family, fs.Evaluated, fs.Failed, fs.Best.Index, fs.Best.Score, formatParams(fs.Best.Params))
	}
	if !rep.Complete {
		fmt.Fprintf(tw, "\nINCOMPLETE: %d of %d outcomes received\n", rep.Received, rep.Expected)
	}
	return tw.Flush()
}

func writeMarkdown(rep *Report, w io.Writer) error {
	for _, fs := range rep.Families {
		fmt.Fprintf(w, "## %s\n\n", fs.Family)
		fmt.Fprintf(w, "%d evaluated, %d failed\n\n", fs.Evaluated, fs.Failed)
		if len(fs.Ranked) == 0 {
			continue
		}
		fmt.Fprintf(w, "| Rank | Candidate | %s | Params |\n", rep.RankMetric)
		fmt.Fprintln(w, "|---|---|---|---|")
		for _, e := range fs.Ranked {
			fmt.Fprintf(w, "| %d | %d | %.4g | %s |\n", e.Rank, e.Index, e.Score, formatParams(e.Params))
		}
		fmt.Fprintln(w)
	}
	if !rep.Complete {
		fmt.Fprintf(w, "**Incomplete:** %d of %d outcomes received.\n", rep.Received, rep.Expected)
	}
	return nil
}

func writeJSON(rep *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
