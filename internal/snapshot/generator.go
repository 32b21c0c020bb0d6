// Package snapshot periodically renders the materialised grid into a PNG, stores it as
// a blob and records a Snapshot pointing at it.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"time"

	"github.com/dyluth/canvas/internal/blob"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/google/uuid"
)

// Store is the part of the materialised store the generator reads and writes.
type Store interface {
	CellsAsOf(ctx context.Context, watermark int64) ([]canvas.Cell, error)
	SaveSnapshot(ctx context.Context, snap canvas.Snapshot) (*canvas.Snapshot, error)
	LatestSnapshot(ctx context.Context) (*canvas.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]canvas.Snapshot, error)
}

// Backlog reports the oldest log entry a consumer group has not acknowledged.
// *canvas.Client implements it.
type Backlog interface {
	OldestUnacked(ctx context.Context, group string) (int64, bool, error)
}

// Generator produces snapshots on demand or on a fixed interval.
type Generator struct {
	store    Store
	blobs    blob.Store
	grid     canvas.Grid
	interval time.Duration
	instance string
	now      func() time.Time

	backlog Backlog
	group   string
	settle  time.Duration
}

// Option configures a Generator.
type Option func(*Generator)

// WithBacklog holds the snapshot watermark below the oldest entry group has not yet
// materialised, minus settle.
func WithBacklog(b Backlog, group string, settle time.Duration) Option {
	return func(g *Generator) {
		g.backlog = b
		g.group = group
		g.settle = settle
	}
}

// NewGenerator creates a generator for a grid of the given size.
func NewGenerator(store Store, blobs blob.Store, grid canvas.Grid, interval time.Duration, instance string, opts ...Option) *Generator {
	g := &Generator{
		store:    store,
		blobs:    blobs,
		grid:     grid,
		interval: interval,
		instance: instance,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Watermark returns the latest timestamp at which every placement is known to be
// materialised: the read start, held below the group's oldest unacknowledged entry,
// then moved back by settle to cover appends still in flight.
func (g *Generator) Watermark(ctx context.Context) (int64, error) {
	watermark := g.now().UnixMilli()
	if g.backlog == nil {
		return watermark, nil
	}

	oldest, ok, err := g.backlog.OldestUnacked(ctx, g.group)
	if err != nil {
		return 0, fmt.Errorf("failed to read consumer backlog: %w", err)
	}
	if ok && oldest-1 < watermark {
		watermark = oldest - 1
	}
	return watermark - g.settle.Milliseconds(), nil
}

// Generate takes one snapshot. The image is the grid folded from every placement with
// ts <= the snapshot's timestamp, so a viewer replaying history after that timestamp
// on top of it misses nothing.
// On failure no Snapshot record exists and any uploaded blob is removed.
func (g *Generator) Generate(ctx context.Context) (*canvas.Snapshot, error) {
	start := time.Now()

	watermark, err := g.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	cells, err := g.store.CellsAsOf(ctx, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to read cells: %w", err)
	}

	img := Render(g.grid, cells)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	name := fmt.Sprintf("snapshot-%d-%s.png", watermark, uuid.New().String()[:8])
	uri, err := g.blobs.Put(ctx, name, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to upload snapshot: %w", err)
	}

	snap, err := g.store.SaveSnapshot(ctx, canvas.Snapshot{
		BlobURL:   uri,
		Timestamp: watermark,
		Metadata: canvas.SnapshotMetadata{
			PixelCount: len(cells),
			Width:      g.grid.Width,
			Height:     g.grid.Height,
			Format:     "png",
		},
	})
	if err != nil {
		if delErr := g.blobs.Delete(context.WithoutCancel(ctx), uri); delErr != nil {
			log.Printf("[Snapshot] Failed to remove orphaned blob %s: %v", uri, delErr)
		}
		return nil, fmt.Errorf("failed to record snapshot: %w", err)
	}

	g.logEvent("snapshot_created", map[string]interface{}{
		"snapshot_id": snap.ID,
		"blob_url":    snap.BlobURL,
		"pixel_count": len(cells),
		"watermark":   watermark,
		"bytes":       buf.Len(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return snap, nil
}

// Run generates a snapshot every interval until ctx is cancelled. A failed cycle is
// logged and the next one runs on schedule.
func (g *Generator) Run(ctx context.Context) error {
	if g.interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %v", g.interval)
	}

	log.Printf("[Snapshot] Generating every %v for instance '%s'", g.interval, g.instance)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Snapshot] Shutting down...")
			return nil
		case <-ticker.C:
			if _, err := g.Generate(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Snapshot] Cycle failed: %v", err)
			}
		}
	}
}

// Latest returns the most recent snapshot.
func (g *Generator) Latest(ctx context.Context) (*canvas.Snapshot, error) {
	return g.store.LatestSnapshot(ctx)
}

// List returns up to limit snapshots, newest first.
func (g *Generator) List(ctx context.Context, limit int) ([]canvas.Snapshot, error) {
	return g.store.ListSnapshots(ctx, limit)
}

// Render paints the grid white and overlays cells. Cells outside the grid are ignored.
func Render(grid canvas.Grid, cells []canvas.Cell) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, grid.Width, grid.Height))

	r, g, b := canvas.White.RGB()
	bg := color.NRGBA{R: r, G: g, B: b, A: 0xFF}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = bg.R, bg.G, bg.B, bg.A
	}

	for _, c := range cells {
		if !grid.Contains(c.X, c.Y) {
			continue
		}
		r, g, b := c.Color.RGB()
		img.SetNRGBA(c.X, c.Y, color.NRGBA{R: r, G: g, B: b, A: 0xFF})
	}
	return img
}

func (g *Generator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "snapshot"
	data["event_type"] = eventType
	data["instance"] = g.instance

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Snapshot] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
