package main

import (
	"github.com/spf13/cobra"
)

func newTrainCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train every model over the donor population",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if c.remote() {
				resp, err := c.client().Train(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			}

			rt, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Train(ctx); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rt.Engine.Info())
		},
	}
}
