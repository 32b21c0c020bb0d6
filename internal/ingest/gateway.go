package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/google/uuid"
)

// ErrCooldown is returned when the target cell was placed on too recently.
var ErrCooldown = errors.New("cell is cooling down")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ingest gateway is closed")

// ValidationError reports a placement rejected before it reached the log.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DurabilityError reports that a placement could not be made durable.
// The caller may retry; nothing was written.
type DurabilityError struct {
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("placement not persisted: %v", e.Err)
}

func (e *DurabilityError) Unwrap() error {
	return e.Err
}

// EventLog is the durable append the gateway waits on.
type EventLog interface {
	Append(ctx context.Context, e *canvas.PlacementEvent) (string, error)
}

// Notifier is the best-effort live publish.
type Notifier interface {
	Publish(ctx context.Context, e *canvas.PlacementEvent) error
}

// Cooldown grants per-cell placement tokens.
type Cooldown interface {
	AcquireCooldown(ctx context.Context, x, y int, ttl time.Duration) (bool, error)
}

// Config configures a Gateway.
type Config struct {
	Instance       string
	Grid           canvas.Grid
	Cooldown       time.Duration // 0 disables the per-cell cooldown
	AppendTimeout  time.Duration // bounds the gap between stamping an event and it reaching the log
	PublishTimeout time.Duration
}

// Gateway accepts placements, makes them durable and notifies live viewers.
type Gateway struct {
	log      EventLog
	notifier Notifier
	cooldown Cooldown
	cfg      Config
	clock    *Clock

	// mu is held for reading across a submit and for writing by Close, so Close
	// cannot slip between a submit's closed check and its wg.Add.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewGateway creates a gateway. cooldown may be nil when cfg.Cooldown is zero.
// *canvas.Client satisfies all three interfaces.
func NewGateway(eventLog EventLog, notifier Notifier, cooldown Cooldown, cfg Config) *Gateway {
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &Gateway{
		log:      eventLog,
		notifier: notifier,
		cooldown: cooldown,
		cfg:      cfg,
		clock:    NewClock(),
	}
}

// WithClock replaces the gateway's timestamp source. Used by tests.
func (g *Gateway) WithClock(c *Clock) *Gateway {
	g.clock = c
	return g
}

// Submit validates a placement, appends it to the durable log and schedules the live
// notification. It returns once the event is durable; notification never affects the
// result.
func (g *Gateway) Submit(ctx context.Context, x, y int, color string) (*canvas.PlacementEvent, error) {
	return g.SubmitAs(ctx, x, y, color, "")
}

// SubmitAs is Submit with the placer's identity recorded on the event.
func (g *Gateway) SubmitAs(ctx context.Context, x, y int, color, userID string) (*canvas.PlacementEvent, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, ErrClosed
	}

	c, err := g.validate(x, y, color)
	if err != nil {
		return nil, err
	}

	if g.cfg.Cooldown > 0 && g.cooldown != nil {
		ok, err := g.cooldown.AcquireCooldown(ctx, x, y, g.cfg.Cooldown)
		if err != nil {
			return nil, &DurabilityError{Err: err}
		}
		if !ok {
			return nil, ErrCooldown
		}
	}

	event := &canvas.PlacementEvent{
		EventID: uuid.New().String(),
		X:       x,
		Y:       y,
		Color:   c,
		TS:      g.clock.Now(),
		UserID:  userID,
	}

	appendCtx, cancel := context.WithTimeout(ctx, g.cfg.AppendTimeout)
	id, err := g.log.Append(appendCtx, event)
	cancel()
	if err != nil {
		g.logEvent("append_failed", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
		return nil, &DurabilityError{Err: err}
	}

	g.publish(event, id)
	return event, nil
}

func (g *Gateway) validate(x, y int, color string) (canvas.Color, error) {
	if x < 0 || x >= g.cfg.Grid.Width {
		return 0, &ValidationError{Field: "x", Reason: fmt.Sprintf("%d outside [0,%d)", x, g.cfg.Grid.Width)}
	}
	if y < 0 || y >= g.cfg.Grid.Height {
		return 0, &ValidationError{Field: "y", Reason: fmt.Sprintf("%d outside [0,%d)", y, g.cfg.Grid.Height)}
	}
	c, err := canvas.ParseColor(color)
	if err != nil {
		return 0, &ValidationError{Field: "color", Reason: err.Error()}
	}
	return c, nil
}

// publish notifies live viewers in the background with its own timeout, so a slow or
// failed publish cannot delay or fail the submit.
func (g *Gateway) publish(event *canvas.PlacementEvent, streamID string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PublishTimeout)
		defer cancel()

		if err := g.notifier.Publish(ctx, event); err != nil {
			g.logEvent("publish_failed", map[string]interface{}{
				"event_id":  event.EventID,
				"stream_id": streamID,
				"error":     err.Error(),
			})
		}
	}()
}

// Close stops accepting placements, waits for submits already in progress, then waits
// for their notifications.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()
	return nil
}

func (g *Gateway) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "warn"
	data["component"] = "ingest"
	data["event_type"] = eventType
	data["instance"] = g.cfg.Instance

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Ingest] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
