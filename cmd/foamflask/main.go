package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foamflask/foamflask/pkg/aggregator"
	"github.com/foamflask/foamflask/pkg/config"
	"github.com/foamflask/foamflask/pkg/field"
	"github.com/foamflask/foamflask/pkg/freshness"
	"github.com/foamflask/foamflask/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foamflask",
	Short: "FOAMFlask - realtime plots for OpenFOAM cases",
	Long: `FOAMFlask reads OpenFOAM case directories while a solver writes them
and serves field histories, latest values and solver residuals as JSON.

Cases are re-read incrementally: only new time directories and the
appended part of the run log are parsed on each request.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"FOAMFlask version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().String("case-root", "", "Directory tutorials are resolved under")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for the run and settings database")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fieldsCmd)
	rootCmd.AddCommand(latestCmd)
	rootCmd.AddCommand(seriesCmd)
	rootCmd.AddCommand(residualsCmd)
}

// loadConfig reads the config file and applies the persistent flags on top
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if v, _ := cmd.Flags().GetString("case-root"); v != "" {
		cfg.Cases.Root = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}

// newAggregator builds the aggregator and its collaborators from config
func newAggregator(cfg *config.Config) *aggregator.Aggregator {
	reader := field.NewReader(
		field.WithReduction(cfg.Reduction()),
		field.WithCacheSize(cfg.Cases.FieldCacheSize),
	)
	gate := freshness.NewGate(
		freshness.WithLogName(cfg.Cases.LogName),
		freshness.WithPolicy(freshness.SamplePolicy{
			Probability:   cfg.Freshness.Probability,
			LargeCaseDirs: cfg.Freshness.LargeCaseDirs,
		}),
	)
	return aggregator.New(
		aggregator.Config{MaxCases: cfg.Cases.MaxCases, Workers: cfg.Cases.Workers},
		aggregator.WithReader(reader),
		aggregator.WithGate(gate),
	)
}
