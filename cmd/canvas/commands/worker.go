package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/canvas/internal/api"
	"github.com/dyluth/canvas/internal/consumer"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/dyluth/canvas/internal/snapshot"
	"github.com/spf13/cobra"
)

var (
	workerName       string
	workerHealthAddr string
	workerNoSnapshot bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Materialise placements into the store and take snapshots",
	Long: `Join the consumer group, batch placements from the event log into the
cell and history tables, and render a PNG snapshot of the grid on the
configured interval.

Run several workers with distinct --name values to share the stream. Entries
left pending by a worker that died are reclaimed after consumer.claim_min_idle.

The worker exits non-zero after consumer.max_flush_failures consecutive
failed flushes.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerName, "name", "", "Consumer name within the group (overrides consumer.name)")
	workerCmd.Flags().StringVar(&workerHealthAddr, "health-addr", ":8080", "Address for /healthz (empty disables it)")
	workerCmd.Flags().BoolVar(&workerNoSnapshot, "no-snapshots", false, "Do not run the snapshot generator")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerName != "" {
		cfg.Consumer.Name = workerName
	}

	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if workerHealthAddr != "" {
		health := api.NewHealthServer(workerHealthAddr, client, st)
		if err := health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			health.Shutdown(shutdownCtx)
		}()
	}

	c := consumer.New(client, st, consumer.Config{
		Instance:         cfg.Instance,
		Group:            cfg.Consumer.Group,
		Name:             cfg.Consumer.Name,
		FlushInterval:    cfg.Consumer.FlushInterval,
		ReadCount:        cfg.Consumer.ReadCount,
		ReadBlock:        cfg.Consumer.ReadBlock,
		ClaimInterval:    cfg.Consumer.ClaimInterval,
		ClaimMinIdle:     cfg.Consumer.ClaimMinIdle,
		MaxFlushFailures: cfg.Consumer.MaxFlushFailures,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapDone := make(chan error, 1)
	if workerNoSnapshot {
		close(snapDone)
	} else {
		blobs, err := openBlobs(ctx, cfg)
		if err != nil {
			return err
		}
		defer blobs.Close()
		gen := snapshot.NewGenerator(st, blobs, grid(cfg), cfg.Snapshot.Interval, cfg.Instance,
			snapshot.WithBacklog(client, cfg.Consumer.Group, cfg.Snapshot.Settle))
		go func() {
			snapDone <- gen.Run(runCtx)
		}()
	}

	printer.Success("Worker %s/%s running for instance '%s'\n", cfg.Consumer.Group, cfg.Consumer.Name, cfg.Instance)

	runErr := c.Run(runCtx)
	cancel()
	if err := <-snapDone; err != nil {
		log.Printf("[Snapshot] Stopped: %v", err)
	}

	if errors.Is(runErr, consumer.ErrTooManyFailures) {
		return printer.ErrorWithContext(
			"consumer gave up",
			"The store rejected too many consecutive flushes. Unacknowledged placements stay pending in the group and will be redelivered.",
			map[string]string{"Consumer": cfg.Consumer.Name, "Store": cfg.Store.Path},
			[]string{"Check the store is writable and restart the worker"},
		)
	}
	if runErr != nil {
		return fmt.Errorf("consumer failed: %w", runErr)
	}

	printer.Info("Worker stopped\n")
	return nil
}
