// Package history renders placement history and snapshots for the CLI.
package history

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/canvas/pkg/canvas"
)

// OutputFormat selects how records are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown format: %s", s)
}

// FormatTable writes placements as a table and returns how many were written.
func FormatTable(w io.Writer, records []canvas.HistoryRecord, instanceName string, now time.Time) int {
	if len(records) == 0 {
		fmt.Fprintf(w, "No placements found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Placements for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-8s %-11s %-8s %-16s %-8s %s\n",
		"EVENT", "CELL", "COLOR", "USER", "AGE", "TS")
	fmt.Fprintf(w, "%-8s %-11s %-8s %-16s %-8s %s\n",
		"--------", "-----------", "--------", "----------------", "--------", "-------------")

	for _, r := range records {
		fmt.Fprintf(w, "%-8s %-11s %-8s %-16s %-8s %d\n",
			formatID(r.EventID),
			fmt.Sprintf("(%d,%d)", r.X, r.Y),
			r.Color.String(),
			formatUser(r.UserID),
			FormatAge(r.TS, now),
			r.TS,
		)
	}

	noun := "placement"
	if len(records) != 1 {
		noun = "placements"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(records), noun)

	return len(records)
}

// FormatJSONL writes one JSON object per line, suitable for jq.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSnapshots writes snapshot records as a table.
func FormatSnapshots(w io.Writer, snaps []canvas.Snapshot, now time.Time) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No snapshots yet")
		return
	}

	fmt.Fprintf(w, "%-6s %-8s %-10s %-8s %s\n", "ID", "AGE", "SIZE", "PIXELS", "BLOB")
	for _, s := range snaps {
		fmt.Fprintf(w, "%-6d %-8s %-10s %-8d %s\n",
			s.ID,
			FormatAge(s.Timestamp, now),
			fmt.Sprintf("%dx%d", s.Metadata.Width, s.Metadata.Height),
			s.Metadata.PixelCount,
			s.BlobURL,
		)
	}
}

// formatID truncates an event ID to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatUser(user string) string {
	if user == "" {
		return "-"
	}
	if len(user) > 16 {
		return user[:13] + "..."
	}
	return user
}

// FormatAge renders a Unix ms timestamp relative to now: "12s ago", "3m ago", "2h ago",
// "5d ago".
func FormatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	if diff < 0 {
		diff = 0
	}

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
