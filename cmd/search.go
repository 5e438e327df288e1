package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/signalnine/mpsearch/internal/config"
	"github.com/signalnine/mpsearch/internal/report"
	"github.com/signalnine/mpsearch/internal/runner"
	"github.com/spf13/cobra"
)

var (
	flagWorkers  int
	flagFamilies []string
	flagSamples  int
	flagNoBar    bool
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a hyper-parameter search",
		RunE:  runSearch,
	}
	cmd.Flags().IntVarP(&flagWorkers, "workers", "p", 0, "override the worker count")
	cmd.Flags().StringSliceVar(&flagFamilies, "family", nil, "restrict the search to these model families")
	cmd.Flags().IntVar(&flagSamples, "samples", 0, "override num_param_samples")
	cmd.Flags().BoolVar(&flagNoBar, "no-progress", false, "hide the progress bar")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if cmd.Flags().Changed("samples") {
		if flagSamples < 0 {
			return fmt.Errorf("%w: --samples must not be negative, got %d", config.ErrInvalid, flagSamples)
		}
		cfg.NumParamSamples = flagSamples
	}
	if cfg.Models, err = filterFamilies(cfg.Models, flagFamilies); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &runner.SearchOpts{Config: cfg}
	if !flagNoBar {
		opts.Progress = cmd.ErrOrStderr()
	}
	res, err := runner.RunSearch(ctx, opts)
	if res == nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run directory: %s\n", res.RunDir)
	fmt.Fprintln(out, "\n--- Results ---")
	if rerr := report.Generate(res.RunDir, report.Options{Format: "table", RankMetric: cfg.RankMetric}, out); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// filterFamilies keeps the named families. An empty selection keeps all.
func filterFamilies(all map[string]map[string]any, names []string) (map[string]map[string]any, error) {
	if len(names) == 0 {
		return all, nil
	}
	filtered := make(map[string]map[string]any, len(names))
	for _, n := range names {
		spec, ok := all[n]
		if !ok {
			return nil, fmt.Errorf("%w: family %q is not configured", config.ErrInvalid, n)
		}
		filtered[n] = spec
	}
	return filtered, nil
}
