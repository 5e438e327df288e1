package cmd

import (
	"fmt"

	"github.com/signalnine/mpsearch/internal/models"
	"github.com/signalnine/mpsearch/internal/runner"
	"github.com/spf13/cobra"
)

var flagCheckData bool

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without running a search",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			spaces, err := cfg.Spaces(models.NewRegistry())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config %s is valid\n", cfgFile)
			fmt.Fprintf(out, "  train %s .. %s, test %s .. %s, validation every %d\n",
				cfg.SubsetData.TrainDateStart.Format("2006-01-02"), cfg.SubsetData.TrainDateEnd.Format("2006-01-02"),
				cfg.SubsetData.TestDateStart.Format("2006-01-02"), cfg.SubsetData.TestDateEnd.Format("2006-01-02"),
				cfg.SubsetData.ValidationFrequency)
			for _, family := range cfg.Families() {
				fmt.Fprintf(out, "  %s: %d candidates over %d parameters\n", family, cfg.NumParamSamples, len(spaces[family]))
			}
			if !flagCheckData {
				return nil
			}
			parts, err := runner.Plan(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  data: %d train, %d validation, %d test files\n",
				len(parts.Train), len(parts.Validation), len(parts.Test))
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagCheckData, "data", false, "also discover and partition the data files")
	return cmd
}
