package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"donor-insights/internal/api"
	"donor-insights/internal/app"
	"donor-insights/internal/cfg"
	"donor-insights/internal/common"
)

// cli carries the state shared by every subcommand.
type cli struct {
	settings  cfg.Settings
	serverURL string
	timeout   time.Duration
	logLevel  string
}

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "donorctl",
		Short: "Donor analytics command line",
		Long: `Manage the donor store, train models and inspect predictions.

Commands run against the locally configured store unless --server points
them at a running donorsvc.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := cfg.Load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			if c.logLevel != "" {
				settings.LogLevel = c.logLevel
			}
			zerolog.SetGlobalLevel(settings.ZerologLevel())
			c.settings = settings
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.serverURL, "server", os.Getenv(common.EnvServerURL),
		"base URL of a running donorsvc; empty runs locally")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout against --server")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newTrainCmd(c),
		newPredictCmd(c),
		newHistoryCmd(c),
		newImportCmd(c),
		newSeedCmd(c),
		newBacktestCmd(c),
	)
	return root
}

func (c *cli) remote() bool { return c.serverURL != "" }

func (c *cli) client() *api.Client {
	return api.NewClient(c.serverURL, c.timeout)
}

// open builds a local runtime from the loaded settings.
func (c *cli) open(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, c.settings)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
