package cmd

import (
	"github.com/signalnine/mpsearch/internal/config"
	"github.com/signalnine/mpsearch/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	flagLogLevel string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mpsearch",
		Short:        "Date-partitioned hyper-parameter search for emulator models",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")
	root.AddCommand(newSearchCmd())
	root.AddCommand(newPartitionsCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newValidateCmd())
	return root
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if err := logging.Setup(level, cfg.Logging.Pretty); err != nil {
		return nil, err
	}
	return cfg, nil
}
