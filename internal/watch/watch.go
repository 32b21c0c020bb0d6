package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/canvas/internal/history"
	"github.com/dyluth/canvas/internal/store"
	"github.com/dyluth/canvas/pkg/canvas"
)

// CellReader reads materialised cells. *store.Store implements it.
type CellReader interface {
	GetCell(ctx context.Context, x, y int) (*canvas.Cell, error)
}

// PollForCell polls until the cell targeted by event reflects it (or a later write)
// and returns that cell. Polls every 200ms for up to timeout.
func PollForCell(ctx context.Context, cells CellReader, event *canvas.PlacementEvent, timeout time.Duration) (*canvas.Cell, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for cell (%d,%d) after %v", event.X, event.Y, timeout)

		case <-ticker.C:
			cell, err := cells.GetCell(ctx, event.X, event.Y)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("failed to query cell: %w", err)
			}
			if cell.TS >= event.TS {
				return cell, nil
			}
		}
	}
}

// Stream writes live events to w until ctx is cancelled or the feed closes.
// Returns the number of events written.
func Stream(ctx context.Context, events <-chan *canvas.PlacementEvent, w io.Writer, format history.OutputFormat) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case e, ok := <-events:
			if !ok {
				return n, nil
			}
			if format == history.OutputFormatJSONL {
				if err := history.FormatJSONL(w, []*canvas.PlacementEvent{e}); err != nil {
					return n, err
				}
			} else {
				user := e.UserID
				if user == "" {
					user = "-"
				}
				fmt.Fprintf(w, "%s  (%d,%d)  %s  %s\n",
					time.UnixMilli(e.TS).UTC().Format("15:04:05.000"), e.X, e.Y, e.Color, user)
			}
			n++
		}
	}
}
