// Package consumer materialises the durable event log into the store. It reads the
// stream as a member of a consumer group, buffers entries, and periodically writes them
// as one batch: history first, then cell upserts, and only then acknowledges them.
// An entry is never acknowledged before its effects are durable.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/canvas/pkg/canvas"
)

// ErrTooManyFailures is returned by Run when flushes keep failing. The process is
// expected to exit and be restarted; pending entries are redelivered.
var ErrTooManyFailures = errors.New("too many consecutive flush failures")

// Stream is the consumer-group view of the event log. *canvas.Client implements it.
type Stream interface {
	EnsureGroup(ctx context.Context, group string) error
	ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]canvas.Entry, error)
	ReadPending(ctx context.Context, group, consumer string, count int64) ([]canvas.Entry, error)
	AutoClaim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]canvas.Entry, error)
	Ack(ctx context.Context, group string, ids ...string) error
}

// Sink is where flushed batches are written. *store.Store implements it.
type Sink interface {
	AppendHistory(ctx context.Context, records []canvas.HistoryRecord) error
	UpsertCells(ctx context.Context, cells []canvas.Cell) error
}

// State is the consumer lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateConsuming
	StateFlushing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConsuming:
		return "consuming"
	case StateFlushing:
		return "flushing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a Consumer.
type Config struct {
	Instance         string
	Group            string
	Name             string
	FlushInterval    time.Duration
	ReadCount        int64
	ReadBlock        time.Duration
	ClaimInterval    time.Duration
	ClaimMinIdle     time.Duration
	MaxFlushFailures int // 0 never gives up
}

// Consumer is one member of the materialising consumer group.
type Consumer struct {
	stream Stream
	sink   Sink
	cfg    Config

	state atomic.Int32

	mu     sync.Mutex
	buffer []canvas.Entry
	seen   map[string]struct{} // IDs buffered or in flight

	flushMu  sync.Mutex
	failures int // guarded by flushMu
}

// New creates a consumer. Run starts it.
func New(stream Stream, sink Sink, cfg Config) *Consumer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 50
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 5 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	c := &Consumer{
		stream: stream,
		sink:   sink,
		cfg:    cfg,
		seen:   make(map[string]struct{}),
	}
	c.state.Store(int32(StateStarting))
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Buffered returns the number of entries waiting for the next flush.
func (c *Consumer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Run consumes until ctx is cancelled (returns nil) or flushing fails
// MaxFlushFailures times in a row (returns ErrTooManyFailures).
//
// On shutdown a flush already in progress is allowed to finish; anything still buffered
// is dropped and stays pending in the group for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	c.setState(StateStarting)
	defer c.setState(StateStopped)

	log.Printf("[Consumer] Starting %s/%s for instance '%s'", c.cfg.Group, c.cfg.Name, c.cfg.Instance)

	if err := c.stream.EnsureGroup(ctx, c.cfg.Group); err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}
	if err := c.recoverPending(ctx); err != nil {
		return err
	}

	c.setState(StateConsuming)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.readLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		if err := c.flushLoop(runCtx); err != nil {
			fatal <- err
		}
	}()
	go func() {
		defer wg.Done()
		c.claimLoop(runCtx)
	}()

	var err error
	select {
	case <-ctx.Done():
		log.Printf("[Consumer] Shutting down...")
	case err = <-fatal:
		log.Printf("[Consumer] Giving up: %v", err)
	}
	cancel()
	wg.Wait()

	if dropped := c.abandon(); dropped > 0 {
		c.logEvent("buffer_abandoned", map[string]interface{}{"count": dropped})
	}
	return err
}

// recoverPending buffers entries this consumer name was delivered but never acked,
// typically by a previous run that crashed mid-batch.
func (c *Consumer) recoverPending(ctx context.Context) error {
	entries, err := c.stream.ReadPending(ctx, c.cfg.Group, c.cfg.Name, 0)
	if err != nil {
		return fmt.Errorf("failed to recover pending entries: %w", err)
	}
	if n := c.add(ctx, entries); n > 0 {
		c.logEvent("pending_recovered", map[string]interface{}{"count": n})
	}
	return nil
}

func (c *Consumer) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := c.stream.ReadGroup(ctx, c.cfg.Group, c.cfg.Name, c.cfg.ReadCount, c.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Consumer] Read error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.add(ctx, entries)
	}
}

func (c *Consumer) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// A flush that has started is finished even if shutdown begins meanwhile.
			if err := c.Flush(context.WithoutCancel(ctx)); errors.Is(err, ErrTooManyFailures) {
				return err
			}
		}
	}
}

func (c *Consumer) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reclaim(ctx)
		}
	}
}

// Reclaim takes over entries that have sat unacknowledged longer than ClaimMinIdle
// anywhere in the group, including on consumers that no longer exist.
func (c *Consumer) Reclaim(ctx context.Context) int {
	entries, err := c.stream.AutoClaim(ctx, c.cfg.Group, c.cfg.Name, c.cfg.ClaimMinIdle, c.cfg.ReadCount)
	if err != nil && ctx.Err() == nil {
		log.Printf("[Consumer] Auto-claim error: %v", err)
	}
	n := c.add(ctx, entries)
	if n > 0 {
		c.logEvent("entries_reclaimed", map[string]interface{}{"count": n})
	}
	return n
}

// add buffers decodable entries not already buffered or in flight and returns how many
// were added. Undecodable entries can never succeed, so they are acked and dropped.
func (c *Consumer) add(ctx context.Context, entries []canvas.Entry) int {
	var malformed []string
	added := 0

	c.mu.Lock()
	for _, entry := range entries {
		if entry.Err != nil || entry.Event == nil {
			malformed = append(malformed, entry.ID)
			log.Printf("[Consumer] Dropping malformed entry %s: %v", entry.ID, entry.Err)
			continue
		}
		if _, dup := c.seen[entry.ID]; dup {
			continue
		}
		c.seen[entry.ID] = struct{}{}
		c.buffer = append(c.buffer, entry)
		added++
	}
	c.mu.Unlock()

	if len(malformed) > 0 {
		if err := c.stream.Ack(ctx, c.cfg.Group, malformed...); err != nil {
			log.Printf("[Consumer] Failed to ack malformed entries: %v", err)
		}
		c.logEvent("malformed_dropped", map[string]interface{}{"count": len(malformed)})
	}
	return added
}

// Flush writes the current buffer as one batch and acks it.
// A failed batch is put back in the buffer and stays pending in the group.
func (c *Consumer) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	batch := c.take()
	if len(batch) == 0 {
		return nil
	}

	prev := c.State()
	c.setState(StateFlushing)
	defer c.setState(prev)

	start := time.Now()
	cells, err := c.write(ctx, batch)
	if err != nil {
		c.restore(batch)
		return c.failed(err, len(batch))
	}

	ids := make([]string, len(batch))
	for i, entry := range batch {
		ids[i] = entry.ID
	}
	// Writes are durable either way; unacked entries are reapplied idempotently later.
	ackErr := c.stream.Ack(ctx, c.cfg.Group, ids...)
	c.release(batch)
	if ackErr != nil {
		return c.failed(ackErr, len(batch))
	}

	c.failures = 0
	c.logEvent("batch_flushed", map[string]interface{}{
		"events":      len(batch),
		"cells":       cells,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func (c *Consumer) write(ctx context.Context, batch []canvas.Entry) (int, error) {
	records := make([]canvas.HistoryRecord, len(batch))
	for i, entry := range batch {
		records[i] = canvas.HistoryRecord{PlacementEvent: *entry.Event, Pos: entry.Pos}
	}
	if err := c.sink.AppendHistory(ctx, records); err != nil {
		return 0, fmt.Errorf("history write: %w", err)
	}

	cells := Winners(batch)
	if err := c.sink.UpsertCells(ctx, cells); err != nil {
		return 0, fmt.Errorf("cell upsert: %w", err)
	}
	return len(cells), nil
}

func (c *Consumer) failed(err error, size int) error {
	c.failures++
	c.logEvent("flush_failed", map[string]interface{}{
		"events":   size,
		"failures": c.failures,
		"error":    err.Error(),
	})
	if c.cfg.MaxFlushFailures > 0 && c.failures >= c.cfg.MaxFlushFailures {
		return fmt.Errorf("%w (%d in a row): %v", ErrTooManyFailures, c.failures, err)
	}
	return fmt.Errorf("flush failed: %w", err)
}

// take swaps out the buffer. IDs stay in seen until released so a reclaim during the
// flush cannot buffer them again.
func (c *Consumer) take() []canvas.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.buffer
	c.buffer = nil
	return batch
}

func (c *Consumer) restore(batch []canvas.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(batch, c.buffer...)
}

func (c *Consumer) release(batch []canvas.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range batch {
		delete(c.seen, entry.ID)
	}
}

func (c *Consumer) abandon() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.buffer)
	c.buffer = nil
	c.seen = make(map[string]struct{})
	return n
}

// Winners reduces entries to one cell per coordinate: the entry that supersedes every
// other entry for that coordinate. The result is ordered by row then column.
func Winners(entries []canvas.Entry) []canvas.Cell {
	type coord struct{ x, y int }
	best := make(map[coord]canvas.Cell, len(entries))

	for _, entry := range entries {
		e := entry.Event
		if e == nil {
			continue
		}
		k := coord{e.X, e.Y}
		cur, ok := best[k]
		if ok && !canvas.Supersedes(e.TS, entry.Pos, cur.TS, cur.Pos) {
			continue
		}
		best[k] = canvas.Cell{X: e.X, Y: e.Y, Color: e.Color, TS: e.TS, Pos: entry.Pos}
	}

	cells := make([]canvas.Cell, 0, len(best))
	for _, cell := range best {
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
	return cells
}

func (c *Consumer) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "consumer"
	data["event_type"] = eventType
	data["instance"] = c.cfg.Instance
	data["consumer"] = c.cfg.Name

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Consumer] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
