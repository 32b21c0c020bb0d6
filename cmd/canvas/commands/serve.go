package commands

import (
	"context"
	"log"

	"github.com/dyluth/canvas/internal/api"
	"github.com/dyluth/canvas/internal/broadcast"
	"github.com/dyluth/canvas/internal/ingest"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and live viewer sessions",
	Long: `Run the placement API and the WebSocket fan-out.

Placements submitted to POST /api/place are appended to the event log and
published on the live channel. Every viewer connected to /ws receives each
live update; a viewer that falls behind is disconnected rather than slowing
the others.

Read routes (snapshots, history) are served from the store that
'canvas worker' materialises.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides http.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
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

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer blobs.Close()

	var cooldown ingest.Cooldown
	if cfg.Ingest.Cooldown > 0 {
		cooldown = client
	}
	gateway := ingest.NewGateway(client, client, cooldown, ingest.Config{
		Instance:       cfg.Instance,
		Grid:           grid(cfg),
		Cooldown:       cfg.Ingest.Cooldown,
		AppendTimeout:  cfg.Ingest.AppendTimeout,
		PublishTimeout: cfg.Ingest.PublishTimeout,
	})
	defer gateway.Close()

	broadcaster := broadcast.New(cfg.Broadcast.SessionBuffer, cfg.Instance)
	defer broadcaster.Close()

	sub, err := client.SubscribeLive(ctx)
	if err != nil {
		return printer.Error("live channel unavailable", err.Error(), nil)
	}
	defer sub.Close()

	go logSubscriptionErrors(ctx, sub.Errors())
	go func() {
		if err := broadcaster.Run(ctx, sub.Events()); err != nil && ctx.Err() == nil {
			log.Printf("[Broadcast] Feed stopped: %v", err)
		}
	}()

	server := api.NewServer(cfg.HTTP.Addr, api.Deps{
		Gateway:     gateway,
		Store:       st,
		Blobs:       blobs,
		Broadcaster: broadcaster,
		Redis:       client,
	})

	printer.Success("Serving instance '%s' on %s\n", cfg.Instance, cfg.HTTP.Addr)
	return server.ListenAndServe(ctx)
}

func logSubscriptionErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Printf("[Broadcast] Skipping live message: %v", err)
		}
	}
}
