package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dyluth/canvas/internal/history"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/dyluth/canvas/internal/snapshot"
	"github.com/dyluth/canvas/internal/store"
	"github.com/spf13/cobra"
)

var (
	snapshotLimit  int
	snapshotOutput string
	exportPath     string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and take grid snapshots",
	Long: `Inspect the PNG snapshots the worker records, or take one immediately.

Examples:
  canvas snapshot list
  canvas snapshot latest
  canvas snapshot generate
  canvas snapshot export 12 --file grid.png`,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent snapshots, newest first",
	RunE:  runSnapshotList,
}

var snapshotLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent snapshot",
	RunE:  runSnapshotLatest,
}

var snapshotGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Render the current grid and record a snapshot now",
	RunE:  runSnapshotGenerate,
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export ID",
	Short: "Copy a snapshot image to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotExport,
}

func init() {
	snapshotListCmd.Flags().IntVarP(&snapshotLimit, "limit", "l", 20, "Maximum snapshots to list")
	snapshotListCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "default", "Output format: default or jsonl")
	snapshotExportCmd.Flags().StringVarP(&exportPath, "file", "f", "", "Destination file (default snapshot-<ID>.png)")

	snapshotCmd.AddCommand(snapshotListCmd, snapshotLatestCmd, snapshotGenerateCmd, snapshotExportCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	format, err := history.ParseOutputFormat(snapshotOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}
	if snapshotLimit <= 0 {
		return printer.Error("invalid limit", "--limit must be a positive integer", nil)
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

	snaps, err := st.ListSnapshots(context.Background(), snapshotLimit)
	if err != nil {
		return printer.Error("failed to list snapshots", err.Error(), nil)
	}

	if format == history.OutputFormatJSONL {
		return history.FormatJSONL(os.Stdout, snaps)
	}
	history.FormatSnapshots(os.Stdout, snaps, time.Now())
	return nil
}

func runSnapshotLatest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.LatestSnapshot(context.Background())
	if errors.Is(err, store.ErrNotFound) {
		return printer.Error(
			"no snapshot found",
			fmt.Sprintf("Instance '%s' has no snapshots yet.", cfg.Instance),
			[]string{"Take one now:\n  canvas snapshot generate", "Start a worker:\n  canvas worker"},
		)
	}
	if err != nil {
		return printer.Error("failed to read snapshot", err.Error(), nil)
	}

	printer.Printf("Snapshot %d taken %s\n", snap.ID, history.FormatAge(snap.Timestamp, time.Now()))
	printer.Printf("  Size:   %dx%d %s\n", snap.Metadata.Width, snap.Metadata.Height, snap.Metadata.Format)
	printer.Printf("  Pixels: %d painted\n", snap.Metadata.PixelCount)
	printer.Printf("  Blob:   %s\n", snap.BlobURL)
	return nil
}

func runSnapshotGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
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

	gen := snapshot.NewGenerator(st, blobs, grid(cfg), cfg.Snapshot.Interval, cfg.Instance,
		snapshot.WithBacklog(client, cfg.Consumer.Group, cfg.Snapshot.Settle))
	snap, err := gen.Generate(ctx)
	if err != nil {
		return printer.Error("snapshot failed", err.Error(), nil)
	}

	printer.Success("Snapshot %d recorded (%d pixels painted)\n", snap.ID, snap.Metadata.PixelCount)
	printer.Printf("  %s\n", snap.BlobURL)
	return nil
}

func runSnapshotExport(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return printer.Error("invalid snapshot ID", fmt.Sprintf("%q is not a number", args[0]), nil)
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
	snap, err := st.GetSnapshot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return printer.Error("snapshot not found", fmt.Sprintf("No snapshot with ID %d.", id),
			[]string{"List snapshots:\n  canvas snapshot list"})
	}
	if err != nil {
		return printer.Error("failed to read snapshot", err.Error(), nil)
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer blobs.Close()
	src, err := blobs.Open(ctx, snap.BlobURL)
	if err != nil {
		return printer.Error("snapshot image unavailable", err.Error(), nil)
	}
	defer src.Close()

	dest := exportPath
	if dest == "" {
		dest = fmt.Sprintf("snapshot-%d.%s", snap.ID, snap.Metadata.Format)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}

	printer.Success("Wrote %s\n", dest)
	return nil
}
