package main

import (
	"github.com/spf13/cobra"

	"donor-insights/internal/backtest"
)

func newBacktestCmd(c *cli) *cobra.Command {
	var (
		file     string
		holdout  float64
		seed     int64
		output   string
		jsonOnly bool
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Score the ensemble on a held-out share of donors",
		Long: `Score the ensemble on a held-out share of donors.

The population is split with --seed. Models train on the training share;
each held-out donor's latest gift is hidden and predicted from the rest of
its history. Accuracy is compared with a mean baseline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dl := backtest.NewDataLoader()
			if file != "" {
				records, err := loadFile(file)
				if err != nil {
					return err
				}
				dl = backtest.NewDataLoaderFrom(records)
			} else {
				rt, err := c.open(ctx)
				if err != nil {
					return err
				}
				err = dl.LoadFromRepository(ctx, rt.Repo)
				rt.Close()
				if err != nil {
					return err
				}
			}

			engine := backtest.NewEngine(backtest.Config{
				HoldoutFraction: holdout,
				Seed:            seed,
				Engine:          c.settings.Engine,
			}, dl, nil)
			results, err := engine.Run(ctx)
			if err != nil {
				return err
			}

			reporter := backtest.NewReporter(results, output)
			if output != "" {
				if err := reporter.GenerateReport(); err != nil {
					return err
				}
			}
			if jsonOnly {
				return printJSON(cmd.OutOrStdout(), results)
			}
			reporter.PrintSummary(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read donors from a JSON or CSV file instead of the store")
	cmd.Flags().Float64Var(&holdout, "holdout", backtest.DefaultHoldoutFraction, "share of donors held out")
	cmd.Flags().Int64Var(&seed, "seed", 1, "split seed")
	cmd.Flags().StringVar(&output, "output", "", "directory for report files")
	cmd.Flags().BoolVar(&jsonOnly, "json", false, "print the full results as JSON")
	return cmd
}
