package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/canvas/internal/history"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/dyluth/canvas/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutput string
	watchUser   string
	watchRegion string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live placements",
	Long: `Subscribe to the live channel and print each placement as it is accepted.

Live delivery is best effort: placements published while the terminal is
slow or disconnected are not replayed. Use 'canvas history' for the
complete record.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchUser, "user", "u", "", "Only placements by this user")
	watchCmd.Flags().StringVarP(&watchRegion, "region", "r", "", "Only placements inside x0,y0:x1,y1")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := history.ParseOutputFormat(watchOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	match, err := criteria(watchUser, watchRegion)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.SubscribeLive(ctx)
	if err != nil {
		return printer.Error("live channel unavailable", err.Error(), nil)
	}
	defer sub.Close()
	go logSubscriptionErrors(ctx, sub.Errors())

	if format == history.OutputFormatDefault {
		printer.Step("Watching instance '%s' (Ctrl+C to stop)\n", cfg.Instance)
	}

	n, err := watch.Stream(ctx, match.Events(sub.Events()), os.Stdout, format)
	if err != nil {
		return fmt.Errorf("watch failed: %w", err)
	}
	if format == history.OutputFormatDefault {
		printer.Info("\n%d placements seen\n", n)
	}
	return nil
}
