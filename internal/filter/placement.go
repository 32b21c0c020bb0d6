package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dyluth/canvas/pkg/canvas"
)

// Region is an inclusive rectangle of cells.
type Region struct {
	X0, Y0, X1, Y1 int
}

// Contains reports whether (x, y) lies inside the region.
func (r Region) Contains(x, y int) bool {
	return x >= r.X0 && x <= r.X1 && y >= r.Y0 && y <= r.Y1
}

// ParseRegion parses "x0,y0:x1,y1" (corners in any order) or a single cell "x,y".
func ParseRegion(s string) (*Region, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid region %q: expected x0,y0:x1,y1", s)
	}

	x0, y0, err := parsePoint(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid region %q: %w", s, err)
	}
	x1, y1 := x0, y0
	if len(parts) == 2 {
		if x1, y1, err = parsePoint(parts[1]); err != nil {
			return nil, fmt.Errorf("invalid region %q: %w", s, err)
		}
	}

	return &Region{
		X0: min(x0, x1), Y0: min(y0, y1),
		X1: max(x0, x1), Y1: max(y0, y1),
	}, nil
}

func parsePoint(s string) (int, int, error) {
	xy := strings.Split(strings.TrimSpace(s), ",")
	if len(xy) != 2 {
		return 0, 0, fmt.Errorf("point %q must be x,y", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xy[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("point %q: x is not an integer", s)
	}
	y, err := strconv.Atoi(strings.TrimSpace(xy[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("point %q: y is not an integer", s)
	}
	return x, y, nil
}

// Criteria defines filtering criteria for placements.
// All filters are ANDed together - a placement must match ALL criteria to pass.
type Criteria struct {
	UserID string  // Exact match, empty = no filter
	Region *Region // nil = whole grid
}

// Matches returns true if the placement matches all filter criteria.
func (c *Criteria) Matches(e *canvas.PlacementEvent) bool {
	if c.UserID != "" && e.UserID != c.UserID {
		return false
	}
	if c.Region != nil && !c.Region.Contains(e.X, e.Y) {
		return false
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.UserID != "" || c.Region != nil
}

// Records returns the history records that match, preserving order.
func (c *Criteria) Records(records []canvas.HistoryRecord) []canvas.HistoryRecord {
	if !c.HasFilters() {
		return records
	}
	out := records[:0:0]
	for i := range records {
		if c.Matches(&records[i].PlacementEvent) {
			out = append(out, records[i])
		}
	}
	return out
}

// Events forwards matching events from in until it closes.
func (c *Criteria) Events(in <-chan *canvas.PlacementEvent) <-chan *canvas.PlacementEvent {
	if !c.HasFilters() {
		return in
	}
	out := make(chan *canvas.PlacementEvent, cap(in))
	go func() {
		defer close(out)
		for e := range in {
			if c.Matches(e) {
				out <- e
			}
		}
	}()
	return out
}
