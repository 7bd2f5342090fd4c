package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"salon-waitlist/internal/app"
	"salon-waitlist/internal/config"
	"salon-waitlist/internal/telemetry"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "waitlist-worker",
		Short:         "Expires unanswered waitlist offers and reactivates finished cooldowns",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newExpireOffersCmd())
	root.AddCommand(newReactivateCmd())
	root.AddCommand(newDrainRetriesCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// withApp loads config, wires the app and runs fn until SIGINT/SIGTERM.
func withApp(migrate bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	logger := app.NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd() *cobra.Command {
	var migrateUp bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run expiry, reactivation and chain-retry batches on their intervals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(migrateUp, func(ctx context.Context, a *app.App) error {
				go func() {
					if err := http.ListenAndServe(a.Config.MetricsAddr, telemetry.Handler()); err != nil {
						a.Logger.Warn("metrics server stopped", "error", err)
					}
				}()
				err := a.Processor.Run(ctx)
				if errors.Is(err, context.Canceled) {
					a.Logger.Info("worker stopped")
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	return cmd
}

func newExpireOffersCmd() *cobra.Command {
	var maxRows int
	cmd := &cobra.Command{
		Use:   "expire-offers",
		Short: "Expire pending offers whose response window has passed, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd, a.Processor.RunExpireOffers(ctx, maxRows))
			})
		},
	}
	cmd.Flags().IntVar(&maxRows, "max-rows", 100, "maximum offers to process")
	return cmd
}

func newReactivateCmd() *cobra.Command {
	var maxRows int
	cmd := &cobra.Command{
		Use:   "reactivate",
		Short: "Return entries whose cooldown has elapsed to the waitlist, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd, a.Processor.RunReactivate(ctx, maxRows))
			})
		},
	}
	cmd.Flags().IntVar(&maxRows, "max-rows", 100, "maximum entries to reactivate")
	return cmd
}

func newDrainRetriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain-retries",
		Short: "Retry due chain notifications, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(false, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd, a.Processor.DrainChainRetries(ctx))
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(true, func(ctx context.Context, a *app.App) error {
				a.Logger.Info("migrations applied", "driver", a.Config.StoreDriver)
				return nil
			})
		},
	}
}
