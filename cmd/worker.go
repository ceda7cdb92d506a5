package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielprocop/lifestory-graph/config"
	"github.com/danielprocop/lifestory-graph/internal/messaging"
	"github.com/danielprocop/lifestory-graph/internal/replay"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes journal entries from the bus and executes replay jobs`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	app, err := buildApp(cfg, true)
	if err != nil {
		return err
	}

	// Entry consumer, only when a bus is configured.
	if cfg.Azure.QueueConnStr != "" {
		busClient, err := messaging.NewServiceBusClient(cfg.Azure)
		if err != nil {
			return err
		}
		defer busClient.Close()

		g.Go(func() error {
			return busClient.StartConsumer(ctx, app.graphService)
		})
	}

	// Replay workers drain the in-process job queue.
	replayWorker := replay.NewWorker(app.scheduler, app.replayRepo, app.entryRepo, app.graphService, cfg.Replay.Workers, app.metrics)
	g.Go(func() error {
		return replayWorker.Run(ctx)
	})

	// Re-dispatch replay jobs left queued by a process that died.
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Replay.ReconcileEvery),
			gocron.NewTask(func() {
				if err := app.scheduler.Reconcile(ctx, cfg.Replay.StaleAfter); err != nil {
					log.Error().Err(err).Msg("Failed to reconcile stale replay jobs")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
