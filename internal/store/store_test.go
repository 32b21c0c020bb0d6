package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "canvas.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(x, y int, color canvas.Color, ts int64, pos canvas.Position) canvas.HistoryRecord {
	return canvas.HistoryRecord{
		PlacementEvent: canvas.PlacementEvent{EventID: uuid.New().String(), X: x, Y: y, Color: color, TS: ts},
		Pos:            pos,
	}
}

func pos(ms, seq uint64) canvas.Position {
	return canvas.Position{Millis: ms, Seq: seq}
}

func TestOpen_AppliesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canvas.db")

	s, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	s, err = Open(path, Options{DedupeHistory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_CommitsAreFsynced(t *testing.T) {
	s := setupTestStore(t, Options{})

	var journal string
	require.NoError(t, s.db.QueryRow(`PRAGMA journal_mode`).Scan(&journal))
	assert.Equal(t, "wal", journal)

	// 2 = FULL: a commit the consumer acks on is on disk, not just in the WAL buffer
	var sync int
	require.NoError(t, s.db.QueryRow(`PRAGMA synchronous`).Scan(&sync))
	assert.Equal(t, 2, sync)
}

func TestUpsertCells_LastWriteWins(t *testing.T) {
	ctx := context.Background()

	t.Run("later ts replaces earlier", func(t *testing.T) {
		s := setupTestStore(t, Options{})
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: 1, Y: 1, Color: 0xFF0000, TS: 100, Pos: pos(1, 0)}}))
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: 1, Y: 1, Color: 0x00FF00, TS: 200, Pos: pos(2, 0)}}))

		c, err := s.GetCell(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, canvas.Color(0x00FF00), c.Color)
		assert.Equal(t, int64(200), c.TS)
		assert.Equal(t, pos(2, 0), c.Pos)
	})

	t.Run("earlier ts never regresses the cell", func(t *testing.T) {
		s := setupTestStore(t, Options{})
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: 1, Y: 1, Color: 0x00FF00, TS: 200, Pos: pos(2, 0)}}))
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: 1, Y: 1, Color: 0xFF0000, TS: 100, Pos: pos(1, 0)}}))

		c, err := s.GetCell(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, canvas.Color(0x00FF00), c.Color)
	})

	t.Run("equal ts falls back to log position", func(t *testing.T) {
		s := setupTestStore(t, Options{})
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: 0, Y: 0, Color: 0x0000FF, TS: 100, Pos: pos(5, 1)}}))
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: 0, Y: 0, Color: 0xFF00FF, TS: 100, Pos: pos(5, 0)}}))

		c, err := s.GetCell(ctx, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, canvas.Color(0x0000FF), c.Color)

		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: 0, Y: 0, Color: 0x123456, TS: 100, Pos: pos(6, 0)}}))
		c, err = s.GetCell(ctx, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, canvas.Color(0x123456), c.Color)
	})

	t.Run("reapplying the same write is a no-op", func(t *testing.T) {
		s := setupTestStore(t, Options{})
		cell := canvas.Cell{X: 3, Y: 4, Color: 0xABCDEF, TS: 50, Pos: pos(9, 9)}
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{cell}))
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{cell}))

		cells, err := s.AllCells(ctx)
		require.NoError(t, err)
		assert.Equal(t, []canvas.Cell{cell}, cells)
	})
}

func TestUpsertCells_ConvergesInAnyOrder(t *testing.T) {
	ctx := context.Background()
	writes := []canvas.Cell{
		{X: 2, Y: 2, Color: 0x111111, TS: 10, Pos: pos(1, 0)},
		{X: 2, Y: 2, Color: 0x222222, TS: 30, Pos: pos(2, 0)},
		{X: 2, Y: 2, Color: 0x333333, TS: 20, Pos: pos(3, 0)},
		{X: 5, Y: 1, Color: 0x444444, TS: 15, Pos: pos(4, 0)},
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}}

	for _, order := range orders {
		s := setupTestStore(t, Options{})
		for _, i := range order {
			require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{writes[i]}))
		}

		c, err := s.GetCell(ctx, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, canvas.Color(0x222222), c.Color, "order %v", order)

		c, err = s.GetCell(ctx, 5, 1)
		require.NoError(t, err)
		assert.Equal(t, canvas.Color(0x444444), c.Color, "order %v", order)
	}
}

func TestGetCell_NotFound(t *testing.T) {
	s := setupTestStore(t, Options{})
	_, err := s.GetCell(context.Background(), 9, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicates are kept without dedupe", func(t *testing.T) {
		s := setupTestStore(t, Options{})
		r := record(1, 1, 0xFF0000, 100, pos(1, 0))
		require.NoError(t, s.AppendHistory(ctx, []canvas.HistoryRecord{r}))
		require.NoError(t, s.AppendHistory(ctx, []canvas.HistoryRecord{r}))

		n, err := s.CountHistory(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("redelivered events are ignored with dedupe", func(t *testing.T) {
		s := setupTestStore(t, Options{DedupeHistory: true})
		r := record(1, 1, 0xFF0000, 100, pos(1, 0))
		require.NoError(t, s.AppendHistory(ctx, []canvas.HistoryRecord{r, record(2, 2, 0, 110, pos(2, 0))}))
		require.NoError(t, s.AppendHistory(ctx, []canvas.HistoryRecord{r}))

		n, err := s.CountHistory(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		s := setupTestStore(t, Options{})
		assert.NoError(t, s.AppendHistory(ctx, nil))
	})
}

func TestEventLookups(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, Options{})

	a := record(1, 1, 0xFF0000, 100, pos(1, 0))
	a.EventID = "abc12345-0000-4000-8000-000000000001"
	b := record(2, 2, 0x00FF00, 110, pos(2, 0))
	b.EventID = "abc12399-0000-4000-8000-000000000002"
	require.NoError(t, s.AppendHistory(ctx, []canvas.HistoryRecord{a, b, a}))

	t.Run("prefix search returns distinct ids", func(t *testing.T) {
		ids, err := s.EventIDsWithPrefix(ctx, "abc123", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{a.EventID, b.EventID}, ids)

		ids, err = s.EventIDsWithPrefix(ctx, "abc1234", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{a.EventID}, ids)

		ids, err = s.EventIDsWithPrefix(ctx, "ffffff", 10)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("history by event includes redeliveries", func(t *testing.T) {
		rows, err := s.HistoryByEvent(ctx, a.EventID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Less(t, rows[0].ID, rows[1].ID)
		assert.Equal(t, pos(1, 0), rows[0].Pos)
	})
}

func TestHistory_Range(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, Options{})

	require.NoError(t, s.AppendHistory(ctx, []canvas.HistoryRecord{
		record(0, 0, 0x000001, 300, pos(3, 0)),
		record(0, 0, 0x000002, 100, pos(1, 0)),
		record(0, 0, 0x000003, 200, pos(2, 0)),
		record(0, 0, 0x000004, 200, pos(2, 1)),
	}))

	tsOf := func(records []canvas.HistoryRecord) []int64 {
		var out []int64
		for _, r := range records {
			out = append(out, r.TS)
		}
		return out
	}

	t.Run("all history ordered by ts", func(t *testing.T) {
		records, err := s.History(ctx, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{100, 200, 200, 300}, tsOf(records))
		assert.Equal(t, canvas.Color(0x000003), records[1].Color)
		assert.Equal(t, canvas.Color(0x000004), records[2].Color)
		assert.NotZero(t, records[0].ID)
	})

	t.Run("since is exclusive and until inclusive", func(t *testing.T) {
		until := int64(200)
		records, err := s.History(ctx, 100, &until)
		require.NoError(t, err)
		assert.Equal(t, []int64{200, 200}, tsOf(records))
	})

	t.Run("empty range returns empty slice", func(t *testing.T) {
		records, err := s.History(ctx, 1000, nil)
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, Options{})

	_, err := s.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	meta := canvas.SnapshotMetadata{PixelCount: 3, Width: 10, Height: 10, Format: "png"}
	first, err := s.SaveSnapshot(ctx, canvas.Snapshot{BlobURL: "file:///a.png", Timestamp: 1000, Metadata: meta})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	second, err := s.SaveSnapshot(ctx, canvas.Snapshot{BlobURL: "file:///b.png", Timestamp: 2000, Metadata: meta})
	require.NoError(t, err)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest)

	got, err := s.GetSnapshot(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "file:///a.png", got.BlobURL)
	assert.Equal(t, meta, got.Metadata)

	_, err = s.GetSnapshot(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

// flush writes records the way the consumer does: history, then the winning cells.
func flush(t *testing.T, s *Store, records ...canvas.HistoryRecord) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AppendHistory(ctx, records))
	for _, r := range records {
		require.NoError(t, s.UpsertCells(ctx, []canvas.Cell{{X: r.X, Y: r.Y, Color: r.Color, TS: r.TS, Pos: r.Pos}}))
	}
}

func TestCellsAsOf(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, Options{})

	flush(t, s,
		record(1, 1, 0xFF0000, 100, pos(1, 0)),
		record(1, 1, 0x00FF00, 300, pos(3, 0)), // after the watermark: rolled back to red
		record(2, 2, 0x0000FF, 250, pos(2, 0)), // only placement is after: omitted
		record(3, 3, 0x333333, 150, pos(1, 1)),
		record(5, 5, 0xAAAAAA, 100, pos(1, 2)),
		record(5, 5, 0xBBBBBB, 100, pos(1, 3)), // same ts, later position wins
		record(5, 5, 0xCCCCCC, 400, pos(4, 0)),
	)

	cells, err := s.CellsAsOf(ctx, 200)
	require.NoError(t, err)

	got := map[[2]int]canvas.Color{}
	for _, c := range cells {
		assert.LessOrEqual(t, c.TS, int64(200), "cell (%d,%d)", c.X, c.Y)
		got[[2]int{c.X, c.Y}] = c.Color
	}
	assert.Equal(t, map[[2]int]canvas.Color{
		{1, 1}: 0xFF0000,
		{3, 3}: 0x333333,
		{5, 5}: 0xBBBBBB,
	}, got)

	t.Run("matches folding history up to the watermark", func(t *testing.T) {
		until := int64(200)
		records, err := s.History(ctx, 0, &until)
		require.NoError(t, err)

		folded := map[[2]int]canvas.HistoryRecord{}
		for _, r := range records {
			k := [2]int{r.X, r.Y}
			if cur, ok := folded[k]; !ok || canvas.Supersedes(r.TS, r.Pos, cur.TS, cur.Pos) {
				folded[k] = r
			}
		}
		require.Len(t, folded, len(got))
		for k, r := range folded {
			assert.Equal(t, r.Color, got[k], "cell %v", k)
		}
	})

	t.Run("watermark after every write returns current cells", func(t *testing.T) {
		all, err := s.CellsAsOf(ctx, 1_000)
		require.NoError(t, err)
		current, err := s.AllCells(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, current, all)
	})
}
