package commands

import (
	"context"
	"os"
	"time"

	"github.com/dyluth/canvas/internal/history"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/dyluth/canvas/internal/timespec"
	"github.com/spf13/cobra"
)

var (
	historySince  string
	historyUntil  string
	historyOutput string
	historyUser   string
	historyRegion string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded placements",
	Long: `List placements from the history table in timestamp order.

--since is exclusive and --until inclusive. Both accept Unix milliseconds,
RFC3339 timestamps, "now", or a duration meaning that long ago.

Output Formats:
  default - Human-readable table
  jsonl   - One JSON object per line

Examples:
  canvas history --since 1h
  canvas history --since 2025-10-29T13:00:00Z --until 2025-10-29T14:00:00Z
  canvas history --user alice --region 0,0:99,99
  canvas history -o jsonl | jq -r '.user_id'`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historySince, "since", "", "Only placements after this time")
	historyCmd.Flags().StringVar(&historyUntil, "until", "", "Only placements at or before this time")
	historyCmd.Flags().StringVarP(&historyUser, "user", "u", "", "Only placements by this user")
	historyCmd.Flags().StringVarP(&historyRegion, "region", "r", "", "Only placements inside x0,y0:x1,y1")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, err := history.ParseOutputFormat(historyOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	since, until, err := timespec.ParseRange(historySince, historyUntil)
	if err != nil {
		return printer.Error("invalid time range", err.Error(), nil)
	}

	match, err := criteria(historyUser, historyRegion)
	if err != nil {
		return err
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

	records, err := st.History(context.Background(), since, until)
	if err != nil {
		return printer.Error("failed to read history", err.Error(), nil)
	}
	records = match.Records(records)

	if format == history.OutputFormatJSONL {
		return history.FormatJSONL(os.Stdout, records)
	}
	history.FormatTable(os.Stdout, records, cfg.Instance, time.Now())
	return nil
}
