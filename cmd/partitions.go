package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/signalnine/mpsearch/internal/partition"
	"github.com/signalnine/mpsearch/internal/runner"
	"github.com/spf13/cobra"
)

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List the data files of each partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			parts, err := runner.Plan(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range []struct {
				name    string
				sources []partition.Source
			}{
				{"Train", parts.Train},
				{"Validation", parts.Validation},
				{"Test", parts.Test},
			} {
				fmt.Fprintf(out, "%s (%d files):\n", p.name, len(p.sources))
				for _, s := range p.sources {
					fmt.Fprintf(out, "  - %s  %s\n", s.Time.Format("2006-01-02"), filepath.Base(s.Path))
				}
			}
			return nil
		},
	}
}
