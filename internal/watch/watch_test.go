package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dyluth/canvas/internal/history"
	"github.com/dyluth/canvas/internal/store"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *store.Store {
	st, err := store.Open(filepath.Join(t.TempDir(), "canvas.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPollForCell(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	event := &canvas.PlacementEvent{X: 1, Y: 2, Color: 0xFF0000, TS: 500}

	t.Run("returns once the cell is materialised", func(t *testing.T) {
		go func() {
			time.Sleep(300 * time.Millisecond)
			st.UpsertCells(ctx, []canvas.Cell{{X: 1, Y: 2, Color: 0xFF0000, TS: 500}})
		}()

		cell, err := PollForCell(ctx, st, event, 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, canvas.Color(0xFF0000), cell.Color)
	})

	t.Run("times out while the cell holds an older write", func(t *testing.T) {
		newer := &canvas.PlacementEvent{X: 1, Y: 2, Color: 0x00FF00, TS: 900}
		_, err := PollForCell(ctx, st, newer, 500*time.Millisecond)
		assert.ErrorContains(t, err, "timeout waiting for cell (1,2)")
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := PollForCell(cctx, st, &canvas.PlacementEvent{X: 9, Y: 9, TS: 1}, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStream(t *testing.T) {
	feed := make(chan *canvas.PlacementEvent, 2)
	feed <- &canvas.PlacementEvent{X: 1, Y: 2, Color: 0xABCDEF, TS: 1_000, UserID: "bob"}
	feed <- &canvas.PlacementEvent{X: 3, Y: 4, Color: 0x000000, TS: 2_000}
	close(feed)

	var buf bytes.Buffer
	n, err := Stream(context.Background(), feed, &buf, history.OutputFormatDefault)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "00:00:01.000  (1,2)  #abcdef  bob", lines[0])
	assert.Equal(t, "00:00:02.000  (3,4)  #000000  -", lines[1])
}

func TestStream_JSONL(t *testing.T) {
	feed := make(chan *canvas.PlacementEvent, 1)
	feed <- &canvas.PlacementEvent{EventID: "e1", X: 5, Y: 6, Color: 0x112233, TS: 42}
	close(feed)

	var buf bytes.Buffer
	n, err := Stream(context.Background(), feed, &buf, history.OutputFormatJSONL)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got canvas.PlacementEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "e1", got.EventID)
	assert.Equal(t, canvas.Color(0x112233), got.Color)
}

func TestStream_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := Stream(ctx, make(chan *canvas.PlacementEvent), &bytes.Buffer{}, history.OutputFormatDefault)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
