package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/signalnine/mpsearch/internal/report"
	"github.com/spf13/cobra"
)

var (
	flagFormat string
	flagOut    string
	flagRank   string
	flagTop    int
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarize stored search results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := report.Options{Format: flagFormat, RankMetric: flagRank, Top: flagTop}
			var runDir string
			if len(args) > 0 {
				runDir = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				runDir = filepath.Join(cfg.OutPath, "latest")
				if opts.RankMetric == "" {
					opts.RankMetric = cfg.RankMetric
				}
			}
			resolved, err := filepath.EvalSymlinks(runDir)
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if flagOut != "" {
				f, err := os.Create(flagOut)
				if err != nil {
					return fmt.Errorf("creating %s: %w", flagOut, err)
				}
				defer f.Close()
				w = f
			} else if flagFormat == "xlsx" {
				return fmt.Errorf("xlsx output needs --out")
			}
			return report.Generate(resolved, opts, w)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json, xlsx)")
	cmd.Flags().StringVarP(&flagOut, "out", "o", "", "write the report to this file")
	cmd.Flags().StringVar(&flagRank, "rank", "", "metric to rank candidates by (default: rank_metric)")
	cmd.Flags().IntVar(&flagTop, "top", 0, "list at most this many candidates per family")
	return cmd
}
