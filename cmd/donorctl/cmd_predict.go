package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"donor-insights/internal/api"
	"donor-insights/internal/storage"
)

func newPredictCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "predict <donor-id>",
		Short: "Predict giving behaviour for one donor",
		Long: `Predict giving behaviour for one donor.

Run locally, the command trains a fresh model set first and records the
prediction in the local snapshot history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if c.remote() {
				res, err := c.client().PredictDonor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}

			rt, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Train(ctx); err != nil {
				return err
			}
			res, err := rt.Engine.PredictForDonor(ctx, args[0])
			if err != nil {
				return err
			}
			if rt.Snapshots != nil {
				if err := rt.Snapshots.StorePrediction(api.Snapshot(res)); err != nil {
					return fmt.Errorf("failed to store snapshot: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "history <donor-id>",
		Short: "List stored predictions for one donor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			end := time.Now()
			start := end.Add(-api.DefaultHistoryWindow)
			var err error
			if from != "" {
				if start, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if to != "" {
				if end, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}
			if end.Before(start) {
				return fmt.Errorf("--to is before --from")
			}

			var snaps []storage.PredictionSnapshot
			if c.remote() {
				snaps, err = c.client().PredictionHistory(ctx, args[0], start, end)
			} else {
				rt, openErr := c.open(ctx)
				if openErr != nil {
					return openErr
				}
				defer rt.Close()
				if rt.Snapshots == nil {
					return fmt.Errorf("prediction history needs a data path")
				}
				snaps, err = rt.Snapshots.GetPredictions(args[0], start, end)
			}
			if err != nil {
				return err
			}
			if snaps == nil {
				snaps = []storage.PredictionSnapshot{}
			}
			return printJSON(cmd.OutOrStdout(), snaps)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start of the range, RFC3339 (default 90 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "end of the range, RFC3339 (default now)")
	return cmd
}
