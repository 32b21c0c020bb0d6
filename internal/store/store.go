// Package store persists the materialised canvas: current cell state, the append-only
// placement history and snapshot records. It is backed by SQLite in WAL mode so the
// snapshot generator can scan cells while the batch consumer writes them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dyluth/canvas/pkg/canvas"

	_ "modernc.org/sqlite"
)

// Schema for the canvas tables. Applied by Open.
const Schema = `
CREATE TABLE IF NOT EXISTS cells (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	color INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	log_ms INTEGER NOT NULL DEFAULT 0,
	log_seq INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (x, y)
);

CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	color INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	log_ms INTEGER NOT NULL DEFAULT 0,
	log_seq INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_ts ON history(ts);

CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	blob_url TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(timestamp);
`

// dedupeSchema makes event_id unique in history so redelivered events are ignored.
const dedupeSchema = `CREATE UNIQUE INDEX IF NOT EXISTS idx_history_event_id ON history(event_id);`

// upsertCellSQL writes a cell only when the incoming write supersedes the stored one:
// later ts wins, equal ts falls back to log position. Redelivering an older event
// therefore never regresses a cell.
const upsertCellSQL = `
INSERT INTO cells (x, y, color, ts, log_ms, log_seq) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(x, y) DO UPDATE SET
	color = excluded.color,
	ts = excluded.ts,
	log_ms = excluded.log_ms,
	log_seq = excluded.log_seq
WHERE excluded.ts > cells.ts
	OR (excluded.ts = cells.ts AND (excluded.log_ms > cells.log_ms
		OR (excluded.log_ms = cells.log_ms AND excluded.log_seq > cells.log_seq)))`

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed materialised state.
// It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	dedupe bool
}

// Options configures Open.
type Options struct {
	// DedupeHistory enforces event_id uniqueness in history. When false, redelivered
	// events produce duplicate history rows (at-least-once).
	DedupeHistory bool
}

// Open opens (creating if needed) the database at path and applies the schema.
// Commits are fsynced (synchronous=FULL): the consumer acknowledges log entries as soon
// as a commit returns, so a commit must survive power loss.
func Open(path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{db: db, dedupe: opts.DedupeHistory}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if s.dedupe {
		if _, err := s.db.Exec(dedupeSchema); err != nil {
			return fmt.Errorf("failed to enable history dedupe (existing duplicates?): %w", err)
		}
	}
	return nil
}

// Close closes the database. Implements io.Closer.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendHistory writes every event as a history record in one transaction.
// With dedupe disabled this is an unconditional append.
func (s *Store) AppendHistory(ctx context.Context, records []canvas.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	verb := "INSERT"
	if s.dedupe {
		verb = "INSERT OR IGNORE"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, verb+` INTO history (event_id, x, y, color, ts, user_id, log_ms, log_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.EventID, r.X, r.Y, int64(r.Color), r.TS, r.UserID,
			int64(r.Pos.Millis), int64(r.Pos.Seq)); err != nil {
			return fmt.Errorf("failed to insert history for event %s: %w", r.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	return nil
}

// UpsertCells applies cells with last-write-wins per (x, y). Each row is a single
// conditional write, so concurrent writers converge without cross-cell locking.
func (s *Store) UpsertCells(ctx context.Context, cells []canvas.Cell) error {
	if len(cells) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cell tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCellSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare cell upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cells {
		if _, err := stmt.ExecContext(ctx, c.X, c.Y, int64(c.Color), c.TS,
			int64(c.Pos.Millis), int64(c.Pos.Seq)); err != nil {
			return fmt.Errorf("failed to upsert cell (%d,%d): %w", c.X, c.Y, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cells: %w", err)
	}
	return nil
}

// GetCell returns the stored cell at (x, y), or ErrNotFound if it was never set.
func (s *Store) GetCell(ctx context.Context, x, y int) (*canvas.Cell, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT x, y, color, ts, log_ms, log_seq FROM cells WHERE x = ? AND y = ?`, x, y)
	c, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cell (%d,%d): %w", x, y, err)
	}
	return c, nil
}

// AllCells returns every set cell. It runs as a single read; rows written while the
// scan is in progress may or may not be included.
func (s *Store) AllCells(ctx context.Context) ([]canvas.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x, y, color, ts, log_ms, log_seq FROM cells`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cells: %w", err)
	}
	defer rows.Close()

	var cells []canvas.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read cell row: %w", err)
		}
		cells = append(cells, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cells: %w", err)
	}
	return cells, nil
}

// rolledBackCellsSQL finds, for every cell last written after the watermark, the
// history row that held the cell at the watermark.
const rolledBackCellsSQL = `
WITH ranked AS (
	SELECT h.x, h.y, h.color, h.ts, h.log_ms, h.log_seq,
		ROW_NUMBER() OVER (PARTITION BY h.x, h.y ORDER BY h.ts DESC, h.log_ms DESC, h.log_seq DESC) AS rn
	FROM history h
	JOIN cells c ON c.x = h.x AND c.y = h.y
	WHERE c.ts > ?1 AND h.ts <= ?1
)
SELECT x, y, color, ts, log_ms, log_seq FROM ranked WHERE rn = 1`

// CellsAsOf returns the grid as it stood at watermark: every cell folded from the
// placements with ts <= watermark. Cells written after the watermark are rolled back
// to their last earlier placement from history, or omitted if there was none. Both
// reads share one transaction, so concurrent flushes are seen consistently.
func (s *Store) CellsAsOf(ctx context.Context, watermark int64) ([]canvas.Cell, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot read: %w", err)
	}
	defer tx.Rollback()

	cells, err := queryCells(ctx, tx,
		`SELECT x, y, color, ts, log_ms, log_seq FROM cells WHERE ts <= ?`, watermark)
	if err != nil {
		return nil, err
	}
	older, err := queryCells(ctx, tx, rolledBackCellsSQL, watermark)
	if err != nil {
		return nil, err
	}
	return append(cells, older...), nil
}

func queryCells(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]canvas.Cell, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cells: %w", err)
	}
	defer rows.Close()

	var cells []canvas.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read cell row: %w", err)
		}
		cells = append(cells, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cells: %w", err)
	}
	return cells, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCell(row scanner) (*canvas.Cell, error) {
	var c canvas.Cell
	var color, logMs, logSeq int64
	if err := row.Scan(&c.X, &c.Y, &color, &c.TS, &logMs, &logSeq); err != nil {
		return nil, err
	}
	c.Color = canvas.Color(color)
	c.Pos = canvas.Position{Millis: uint64(logMs), Seq: uint64(logSeq)}
	return &c, nil
}

// History returns placements with since < ts <= until, ordered by ts then insertion.
// A nil until means "up to now".
func (s *Store) History(ctx context.Context, since int64, until *int64) ([]canvas.HistoryRecord, error) {
	query := historySelect + ` WHERE ts > ?`
	args := []any{since}
	if until != nil {
		query += ` AND ts <= ?`
		args = append(args, *until)
	}
	query += ` ORDER BY ts, log_ms, log_seq, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

// HistoryByEvent returns the history rows recorded for eventID, oldest first. More
// than one row means the event was redelivered while dedupe was off.
func (s *Store) HistoryByEvent(ctx context.Context, eventID string) ([]canvas.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		historySelect+` WHERE event_id = ? ORDER BY id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

// EventIDsWithPrefix returns up to limit distinct event IDs starting with prefix.
func (s *Store) EventIDsWithPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT event_id FROM history WHERE substr(event_id, 1, ?) = ? ORDER BY event_id LIMIT ?`,
		len(prefix), prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search event ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to read event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search event ids: %w", err)
	}
	return ids, nil
}

const historySelect = `SELECT id, event_id, x, y, color, ts, user_id, log_ms, log_seq FROM history`

func scanHistory(rows *sql.Rows) ([]canvas.HistoryRecord, error) {
	records := []canvas.HistoryRecord{}
	for rows.Next() {
		var r canvas.HistoryRecord
		var color, logMs, logSeq int64
		if err := rows.Scan(&r.ID, &r.EventID, &r.X, &r.Y, &color, &r.TS, &r.UserID, &logMs, &logSeq); err != nil {
			return nil, fmt.Errorf("failed to read history row: %w", err)
		}
		r.Color = canvas.Color(color)
		r.Pos = canvas.Position{Millis: uint64(logMs), Seq: uint64(logSeq)}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return records, nil
}

// CountHistory returns the number of history rows (duplicates included).
func (s *Store) CountHistory(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// SaveSnapshot records a snapshot and returns it with its assigned ID.
func (s *Store) SaveSnapshot(ctx context.Context, snap canvas.Snapshot) (*canvas.Snapshot, error) {
	meta, err := json.Marshal(snap.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (blob_url, timestamp, metadata) VALUES (?, ?, ?)`,
		snap.BlobURL, snap.Timestamp, string(meta))
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot id: %w", err)
	}
	snap.ID = id
	return &snap, nil
}

// LatestSnapshot returns the most recent snapshot by timestamp, or ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context) (*canvas.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return &snaps[0], nil
}

// GetSnapshot returns the snapshot with the given ID, or ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, id int64) (*canvas.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, blob_url, timestamp, metadata FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %d: %w", id, err)
	}
	return snap, nil
}

// ListSnapshots returns up to limit snapshots, most recent first.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]canvas.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, blob_url, timestamp, metadata FROM snapshots ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []canvas.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot row: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(row scanner) (*canvas.Snapshot, error) {
	var snap canvas.Snapshot
	var meta string
	if err := row.Scan(&snap.ID, &snap.BlobURL, &snap.Timestamp, &meta); err != nil {
		return nil, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &snap.Metadata); err != nil {
			return nil, fmt.Errorf("invalid snapshot metadata: %w", err)
		}
	}
	return &snap, nil
}
