package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// signalContext is cancelled on SIGINT or SIGTERM so in-flight runs stop at
// the next stage boundary and record their failure.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseAsOf reads an RFC 3339 instant, defaulting to now.
func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeValidation, "--as-of must be RFC 3339")
	}
	return t.UTC(), nil
}

// writeJSON prints one JSON document per line.
func writeJSON(w io.Writer, values ...interface{}) error {
	lw := jsonpool.NewLineWriter(w)
	for _, v := range values {
		if err := lw.Write(v); err != nil {
			return err
		}
	}
	return nil
}

func newRunCmd(configFile *string) *cobra.Command {
	var source, account, asOf string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one account through extract, land, stage and load",
		Long: `Run one configured account. The run result is printed as JSON and the
command exits non-zero when the run did not commit.

Example:
  tidewater run --source toast_orders --account 5f1c-restaurant`,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			res, runErr := o.Run(ctx, models.AccountKey{Source: source, Account: account}, at)
			if res != nil {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "Source name (required)")
	cmd.Flags().StringVarP(&account, "account", "a", "", "Account id within the source (required)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Upper bound of the extraction window, RFC 3339 (default now)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newRunAllCmd(configFile *string) *cobra.Command {
	var source, asOf string

	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every enabled account concurrently",
		Long: `Run every enabled account, bounded by pipeline.concurrency. One account
failing never stops the others. Results are printed one JSON document per line
and the command exits non-zero when any run failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()
			a.serveMetrics()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			start := time.Now()
			results, runErr := o.RunAll(ctx, at, source)
			for _, res := range results {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			a.log.Info("run-all finished",
				zap.Int("runs", len(results)),
				zap.Duration("duration", time.Since(start)),
				zap.Bool("all_committed", runErr == nil))
			return runErr
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "Only run accounts of this source")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Upper bound of the extraction window, RFC 3339 (default now)")
	return cmd
}

func newReplayCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <batch-id>",
		Short: "Re-stage and re-merge a landed batch",
		Long: `Replay rebuilds STAGE and LOAD for a batch from its RAW records. The
watermark is never moved, and replaying a batch any number of times converges
to the same result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			res, replayErr := o.Replay(ctx, args[0])
			if res != nil {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return replayErr
		},
	}
}

func newWatermarkCmd(configFile *string) *cobra.Command {
	var source, account string

	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Show committed watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()

			if account != "" {
				if source == "" {
					return errors.New(errors.ErrorTypeValidation, "--account needs --source")
				}
				wm, err := a.store.GetWatermark(ctx, models.AccountKey{Source: source, Account: account})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), wm)
			}

			all, err := a.store.ListWatermarks(ctx)
			if err != nil {
				return err
			}
			for _, wm := range all {
				if source != "" && wm.Source != source {
					continue
				}
				if err := writeJSON(cmd.OutOrStdout(), wm); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "Limit to one source")
	cmd.Flags().StringVarP(&account, "account", "a", "", "Show a single account")
	return cmd
}

// accountStatus is one line of the accounts listing.
type accountStatus struct {
	Source    string            `json:"source"`
	Account   string            `json:"account"`
	Enabled   bool              `json:"enabled"`
	Watermark models.Cursor     `json:"watermark"`
	LastRun   *models.RunResult `json:"last_run,omitempty"`
}

func newAccountsCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts with their watermark and last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()

			for _, acct := range a.cfg.Accounts {
				status := accountStatus{Source: acct.Source, Account: acct.ID, Enabled: acct.IsEnabled()}
				wm, err := a.store.GetWatermark(ctx, acct.Key())
				if err != nil {
					return err
				}
				status.Watermark = wm.Cursor

				runs, err := a.store.RecentRuns(ctx, acct.Key(), 1)
				if err != nil {
					return err
				}
				if len(runs) > 0 {
					status.LastRun = &runs[0]
				}
				if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newMigrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply warehouse migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "warehouse %s is up to date\n", a.cfg.Warehouse.Driver)
			return nil
		},
	}
}
