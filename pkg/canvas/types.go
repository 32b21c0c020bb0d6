package canvas

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PlacementEvent is a single cell placement. Events are immutable once created by the
// ingest gateway and are the only thing that flows through the log and the live channel.
type PlacementEvent struct {
	EventID string `json:"event_id"`          // UUID assigned at ingest
	X       int    `json:"x"`                 // Column, 0 <= x < width
	Y       int    `json:"y"`                 // Row, 0 <= y < height
	Color   Color  `json:"color"`             // 24-bit RGB, serialised as "#rrggbb"
	TS      int64  `json:"ts"`                // Unix milliseconds from a non-decreasing clock
	UserID  string `json:"user_id,omitempty"` // Optional placer identity
}

// Validate checks that the event is well-formed. Grid bounds are not known here;
// use Grid.Contains for that.
func (e *PlacementEvent) Validate() error {
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("event_id must be a valid UUID: %w", err)
	}
	if e.X < 0 || e.Y < 0 {
		return fmt.Errorf("coordinates must be non-negative, got (%d,%d)", e.X, e.Y)
	}
	if e.Color > MaxColor {
		return fmt.Errorf("color out of range: %d", e.Color)
	}
	if e.TS <= 0 {
		return fmt.Errorf("ts must be positive, got %d", e.TS)
	}
	return nil
}

// Cell is the current authoritative color of one grid coordinate.
// TS and Pos identify the event that last wrote it and drive last-write-wins.
type Cell struct {
	X     int      `json:"x"`
	Y     int      `json:"y"`
	Color Color    `json:"color"`
	TS    int64    `json:"ts"`
	Pos   Position `json:"-"`
}

// HistoryRecord is an append-only copy of a PlacementEvent as persisted by the consumer.
type HistoryRecord struct {
	ID int64 `json:"id"`
	PlacementEvent
	Pos Position `json:"-"`
}

// Snapshot points at an encoded raster of the whole grid and the instant it reflects.
type Snapshot struct {
	ID        int64            `json:"id"`
	BlobURL   string           `json:"blob_url"`
	Timestamp int64            `json:"timestamp"` // Unix ms when the grid read began
	Metadata  SnapshotMetadata `json:"metadata"`
}

// SnapshotMetadata describes the raster a snapshot points at.
type SnapshotMetadata struct {
	PixelCount int    `json:"pixel_count"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Format     string `json:"format"`
}

// Grid holds the canvas dimensions.
type Grid struct {
	Width  int
	Height int
}

// Contains reports whether (x,y) lies within [0,Width) x [0,Height).
func (g Grid) Contains(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

// Color is a 24-bit RGB value.
type Color uint32

// MaxColor is the largest valid Color (#ffffff).
const MaxColor Color = 0xFFFFFF

// White is the background of unset cells.
const White Color = 0xFFFFFF

var hexColorRegex = regexp.MustCompile(`^#?([0-9A-Fa-f]{6})$`)

// ParseColor parses "#RRGGBB" or "RRGGBB" (case-insensitive).
func ParseColor(s string) (Color, error) {
	m := hexColorRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid color %q: use #RRGGBB or RRGGBB", s)
	}
	v, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return Color(v), nil
}

// String renders the color as lowercase "#rrggbb".
func (c Color) String() string {
	return fmt.Sprintf("#%06x", uint32(c)&uint32(MaxColor))
}

// RGB splits the color into its channels.
func (c Color) RGB() (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}

// MarshalJSON encodes the color as a "#rrggbb" string.
func (c Color) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts "#rrggbb" or "rrggbb".
func (c *Color) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("color must be a string: %w", err)
	}
	parsed, err := ParseColor(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Position is a parsed Redis stream entry ID ("<ms>-<seq>").
// Positions order entries exactly as the log does.
type Position struct {
	Millis uint64
	Seq    uint64
}

// ParsePosition parses a stream entry ID.
func ParsePosition(id string) (Position, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return Position{}, fmt.Errorf("invalid stream id %q", id)
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return Position{Millis: ms, Seq: seq}, nil
}

// String renders the position back into stream ID form.
func (p Position) String() string {
	return fmt.Sprintf("%d-%d", p.Millis, p.Seq)
}

// Less reports whether p comes before o in the log.
func (p Position) Less(o Position) bool {
	if p.Millis != o.Millis {
		return p.Millis < o.Millis
	}
	return p.Seq < o.Seq
}

// Supersedes reports whether a write at (ts, pos) replaces one at (otherTS, otherPos):
// later timestamp wins, equal timestamps fall back to log order.
func Supersedes(ts int64, pos Position, otherTS int64, otherPos Position) bool {
	if ts != otherTS {
		return ts > otherTS
	}
	return otherPos.Less(pos)
}
