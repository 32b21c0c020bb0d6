package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/canvas/internal/ingest"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/dyluth/canvas/internal/watch"
	"github.com/spf13/cobra"
)

var (
	placeUser    string
	placeWait    bool
	placeTimeout time.Duration
)

var placeCmd = &cobra.Command{
	Use:   "place X Y COLOR",
	Short: "Place a pixel",
	Long: `Place a pixel through the same gateway the HTTP API uses.

COLOR is a 6-digit hex value, with or without a leading '#'.

With --wait the command blocks until a worker has materialised the placement
(or a later one) into the store.

Examples:
  canvas place 10 20 '#ff0000'
  canvas place 10 20 00ff00 --user alice --wait`,
	Args: cobra.ExactArgs(3),
	RunE: runPlace,
}

func init() {
	placeCmd.Flags().StringVarP(&placeUser, "user", "u", "", "User ID recorded with the placement")
	placeCmd.Flags().BoolVarP(&placeWait, "wait", "w", false, "Wait until the placement is materialised")
	placeCmd.Flags().DurationVar(&placeTimeout, "timeout", 30*time.Second, "How long --wait waits")
	rootCmd.AddCommand(placeCmd)
}

func runPlace(cmd *cobra.Command, args []string) error {
	x, errX := strconv.Atoi(args[0])
	y, errY := strconv.Atoi(args[1])
	if errX != nil || errY != nil {
		return printer.Error(
			"invalid coordinates",
			fmt.Sprintf("X and Y must be integers, got %q and %q", args[0], args[1]),
			[]string{"canvas place 10 20 '#ff0000'"},
		)
	}

	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

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

	event, err := gateway.SubmitAs(ctx, x, y, args[2], placeUser)
	if err != nil {
		return placementError(err, x, y)
	}
	printer.Placement(event)

	if !placeWait {
		return nil
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	printer.Step("Waiting for a worker to materialise (%d,%d)...\n", x, y)
	cell, err := watch.PollForCell(ctx, st, event, placeTimeout)
	if err != nil {
		return printer.Error(
			"placement not materialised",
			err.Error(),
			[]string{"Check a worker is running:\n  canvas worker"},
		)
	}
	if cell.TS > event.TS {
		printer.Warning("Cell (%d,%d) already shows a later placement: %s\n", x, y, printer.Swatch(cell.Color))
		return nil
	}
	printer.Success("Cell (%d,%d) is now %s\n", x, y, printer.Swatch(cell.Color))
	return nil
}

// placementError maps gateway errors to user-facing messages.
func placementError(err error, x, y int) error {
	var verr *ingest.ValidationError
	var derr *ingest.DurabilityError
	switch {
	case errors.As(err, &verr):
		return printer.Error("invalid placement", verr.Error(), nil)
	case errors.Is(err, ingest.ErrCooldown):
		return printer.Error(
			"cooldown active",
			fmt.Sprintf("Cell (%d,%d) was painted recently.", x, y),
			[]string{"Wait for ingest.cooldown to elapse and retry"},
		)
	case errors.As(err, &derr):
		return printer.Error(
			"placement not recorded",
			fmt.Sprintf("The event log rejected the placement: %v", derr.Err),
			[]string{"Retry once Redis is reachable"},
		)
	default:
		return fmt.Errorf("placement failed: %w", err)
	}
}
