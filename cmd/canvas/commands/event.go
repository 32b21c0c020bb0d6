package commands

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dyluth/canvas/internal/history"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/dyluth/canvas/internal/resolver"
	"github.com/dyluth/canvas/internal/store"
	"github.com/spf13/cobra"
)

var eventOutput string

var eventCmd = &cobra.Command{
	Use:   "event EVENT_ID",
	Short: "Show one recorded placement",
	Long: `Show a placement from history and whether it is still the visible color of
its cell.

EVENT_ID may be the full ID or a unique prefix of at least 6 characters, such
as the 8-character IDs printed by 'canvas history'.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvent,
}

func init() {
	eventCmd.Flags().StringVarP(&eventOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(eventCmd)
}

func runEvent(cmd *cobra.Command, args []string) error {
	format, err := history.ParseOutputFormat(eventOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	id, err := resolver.ResolveEventID(ctx, st, args[0])
	if err != nil {
		var amb *resolver.AmbiguousError
		var nf *resolver.NotFoundError
		switch {
		case errors.As(err, &amb):
			return printer.Error("ambiguous event ID", resolver.FormatAmbiguousError(amb), nil)
		case errors.As(err, &nf):
			return printer.Error("placement not found", nf.Error(),
				[]string{"Placements appear once a worker has flushed them:\n  canvas history --since 5m"})
		default:
			return printer.Error("invalid event ID", err.Error(), nil)
		}
	}

	records, err := st.HistoryByEvent(ctx, id)
	if err != nil {
		return printer.Error("failed to read history", err.Error(), nil)
	}
	if len(records) == 0 {
		return printer.Error("placement not found", "No history rows for "+id, nil)
	}
	r := records[0]

	if format == history.OutputFormatJSONL {
		return history.FormatJSONL(os.Stdout, records[:1])
	}

	printer.Printf("Placement %s\n", r.EventID)
	printer.Printf("  Cell:   (%d,%d)\n", r.X, r.Y)
	printer.Printf("  Color:  %s\n", printer.Swatch(r.Color))
	printer.Printf("  Placed: %s (%s)\n", time.UnixMilli(r.TS).UTC().Format(time.RFC3339Nano), history.FormatAge(r.TS, time.Now()))
	if r.UserID != "" {
		printer.Printf("  User:   %s\n", r.UserID)
	}
	if len(records) > 1 {
		printer.Warning("Recorded %d times (redelivered before dedupe)\n", len(records))
	}

	cell, err := st.GetCell(ctx, r.X, r.Y)
	switch {
	case errors.Is(err, store.ErrNotFound):
		printer.Warning("Cell has not been materialised\n")
	case err != nil:
		return printer.Error("failed to read cell", err.Error(), nil)
	case cell.TS == r.TS && cell.Pos == r.Pos:
		printer.Success("Still visible\n")
	default:
		printer.Info("Painted over %s by %s\n", history.FormatAge(cell.TS, time.Now()), printer.Swatch(cell.Color))
	}
	return nil
}
