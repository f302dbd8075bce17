package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foamflask/foamflask/pkg/aggregator"
)

// Offline commands read a case directory once and print JSON, the same
// payloads the HTTP API serves.

var fieldsCmd = &cobra.Command{
	Use:   "fields CASE_DIR",
	Short: "List the fields of the newest time directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agg, err := offlineAggregator(cmd)
		if err != nil {
			return err
		}
		fields, err := agg.AvailableFields(args[0])
		if err := noDataIsEmpty(err); err != nil {
			return err
		}
		if fields == nil {
			fields = []string{}
		}
		return printJSON(map[string][]string{"fields": fields})
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest CASE_DIR",
	Short: "Print every field value of the newest time step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agg, err := offlineAggregator(cmd)
		if err != nil {
			return err
		}
		latest, err := agg.LatestSample(args[0])
		if err := noDataIsEmpty(err); err != nil {
			return err
		}
		return printJSON(latest)
	},
}

var seriesCmd = &cobra.Command{
	Use:   "series CASE_DIR",
	Short: "Print the history of every field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agg, err := offlineAggregator(cmd)
		if err != nil {
			return err
		}
		maxPoints, _ := cmd.Flags().GetInt("max-points")
		payload, err := agg.TimeSeries(args[0], maxPoints)
		if err := noDataIsEmpty(err); err != nil {
			return err
		}
		return printJSON(payload)
	},
}

var residualsCmd = &cobra.Command{
	Use:   "residuals CASE_DIR",
	Short: "Print the initial residuals found in the run log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agg, err := offlineAggregator(cmd)
		if err != nil {
			return err
		}
		res, err := agg.Residuals(args[0])
		if err := noDataIsEmpty(err); err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	seriesCmd.Flags().Int("max-points", 0, "Downsample to at most this many time steps (0 keeps all)")
}

func offlineAggregator(cmd *cobra.Command) (*aggregator.Aggregator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newAggregator(cfg), nil
}

// noDataIsEmpty lets an empty case print an empty payload
func noDataIsEmpty(err error) error {
	switch {
	case err == nil, errors.Is(err, aggregator.ErrNoData):
		return nil
	case errors.Is(err, aggregator.ErrCaseNotFound):
		return err
	default:
		return fmt.Errorf("failed to read case: %w", err)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
