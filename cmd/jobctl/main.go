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

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/countercart/countercart-backend/internal/app"
	"github.com/countercart/countercart-backend/internal/cron"
	"github.com/countercart/countercart-backend/pkg/config"
	"github.com/countercart/countercart-backend/pkg/db"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/redis"
)

// loader builds the pipeline on demand and returns a cleanup func.
type loader func(ctx context.Context) (*app.App, func(), error)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(loadPipeline, time.Now)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadPipeline(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.Service.Kind = "jobctl"
	logg := logger.New(logger.Options{
		ServiceName: "jobctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap database: %w", err)
	}
	cleanup := func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}

	// redis only backs the webhook claim cache here, so an outage is not fatal
	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "redis unavailable, continuing without claim cache")
		redisClient = nil
	} else {
		dbCleanup := cleanup
		cleanup = func() {
			_ = redisClient.Close()
			dbCleanup()
		}
	}

	pipeline, err := app.Build(ctx, app.Deps{Config: cfg, Logger: logg, DB: dbClient, Redis: redisClient})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return pipeline, cleanup, nil
}

func newRootCmd(load loader, now func() time.Time) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Trigger CounterCart pipeline jobs by hand",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// withPipeline loads the pipeline, runs fn and prints its result as JSON.
	withPipeline := func(fn func(ctx context.Context, p *app.App) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			p, cleanup, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			result, runErr := fn(cmd.Context(), p)
			if result != nil {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return multierr.Append(runErr, err)
				}
			}
			return runErr
		}
	}

	var itemID, batchID string
	var maxRetries int

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one Plaid item",
		PreRunE: func(*cobra.Command, []string) error {
			_, err := parseID("item", itemID)
			return err
		},
		RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
			id, _ := parseID("item", itemID)
			return p.Ingestion.Sync(ctx, id)
		}),
	}
	syncCmd.Flags().StringVar(&itemID, "item", "", "plaid item id")

	chargeCmd := &cobra.Command{
		Use:   "charge",
		Short: "Charge one pending batch over ACH",
		PreRunE: func(*cobra.Command, []string) error {
			_, err := parseID("batch", batchID)
			return err
		},
		RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
			id, _ := parseID("batch", batchID)
			return p.Payments.ChargeBatch(ctx, id)
		}),
	}
	chargeCmd.Flags().StringVar(&batchID, "batch", "", "donation batch id")

	processCmd := &cobra.Command{
		Use:   "process-batch",
		Short: "Mark a batch processing and print its donate links",
		PreRunE: func(*cobra.Command, []string) error {
			_, err := parseID("batch", batchID)
			return err
		},
		RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
			id, _ := parseID("batch", batchID)
			return p.Batching.ProcessBatch(ctx, id)
		}),
	}
	processCmd.Flags().StringVar(&batchID, "batch", "", "donation batch id")

	retryCmd := &cobra.Command{
		Use:   "retry-webhooks",
		Short: "Re-handle failed webhook events under the retry budget",
		RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
			return p.Webhooks.Retry(ctx, maxRetries)
		}),
	}
	retryCmd.Flags().IntVar(&maxRetries, "max-retries", 3, "skip events retried this many times")

	grantsCmd := &cobra.Command{
		Use:   "grants",
		Short: "Distribute Every.org grants for one batch or sweep all eligible batches",
		RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
			if batchID != "" {
				id, err := parseID("batch", batchID)
				if err != nil {
					return nil, err
				}
				return p.Payments.DistributeGrants(ctx, id)
			}
			completed, completedErr := p.Payments.DistributeCompletedGrants(ctx)
			retried, retriedErr := p.Payments.RetryFailedGrants(ctx)
			return map[string]any{"completed": completed, "retried": retried}, multierr.Combine(completedErr, retriedErr)
		}),
	}
	grantsCmd.Flags().StringVar(&batchID, "batch", "", "donation batch id (optional)")

	root.AddCommand(
		syncCmd,
		&cobra.Command{
			Use:   "sync-all",
			Short: "Sync every active Plaid item",
			RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
				return p.Ingestion.SyncAllActive(ctx)
			}),
		},
		&cobra.Command{
			Use:   "weekly",
			Short: "Create this week's batches and charge them",
			RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
				return p.Weekly.Process(ctx)
			}),
		},
		chargeCmd,
		processCmd,
		retryCmd,
		&cobra.Command{
			Use:   "reset-monthly",
			Short: "Zero every user's monthly donation total",
			RunE: withPipeline(func(ctx context.Context, p *app.App) (any, error) {
				count, err := p.Batching.ResetMonthlyTotals(ctx)
				return map[string]int64{"usersReset": count}, err
			}),
		},
		grantsCmd,
		&cobra.Command{
			Use:   "schedule",
			Short: "Print the next run of every scheduled job",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return printJSON(cmd.OutOrStdout(), cron.NextRuns(cron.DefaultSchedules(), now().UTC()))
			},
		},
		&cobra.Command{
			Use:   "run JOB",
			Short: "Run one scheduled job by name",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, cleanup, err := load(cmd.Context())
				if err != nil {
					return err
				}
				defer cleanup()
				registry, err := p.Jobs()
				if err != nil {
					return err
				}
				job, ok := registry.Lookup(args[0])
				if !ok {
					return fmt.Errorf("unknown job %q", args[0])
				}
				return job.Run(cmd.Context())
			},
		},
	)
	return root
}

func parseID(flag, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--%s is required", flag)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
