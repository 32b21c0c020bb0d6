package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the canvas pipeline: the durable
// event stream with its consumer groups, the live notification channel and the
// per-cell cooldown tokens. All keys and channels are namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
	maxLen       int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxLen caps the event stream at roughly n entries (XADD MAXLEN ~ n).
// Zero disables trimming.
func WithMaxLen(n int64) ClientOption {
	return func(c *Client) { c.maxLen = n }
}

// NewClient creates a new canvas client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: canvas instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string, opts ...ClientOption) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	c := &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// InstanceName returns the namespace this client operates in.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Append writes an event to the durable stream and returns the entry ID Redis assigned.
// This is the durability boundary: once Append returns nil the event will be consumed.
func (c *Client) Append(ctx context.Context, e *PlacementEvent) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: EventsStreamKey(c.instanceName),
		ID:     "*",
		Values: EventToValues(e),
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append event to stream: %w", err)
	}
	return id, nil
}

// StreamLen returns the number of entries currently retained in the event stream.
func (c *Client) StreamLen(ctx context.Context) (int64, error) {
	n, err := c.rdb.XLen(ctx, EventsStreamKey(c.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// EnsureGroup creates the named consumer group starting at the beginning of the
// stream, creating the stream if needed. An existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, EventsStreamKey(c.instanceName), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// Entry is one stream entry delivered to a consumer.
// Err is set when the entry could not be decoded; Event is nil in that case.
type Entry struct {
	ID    string
	Pos   Position
	Event *PlacementEvent
	Err   error
}

// ReadGroup reads up to count new entries for consumer in group, blocking up to block.
// Returns an empty slice (not an error) when the block elapses with nothing to read.
func (c *Client) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return c.readGroup(ctx, group, consumer, ">", count, block)
}

// ReadPending returns entries already delivered to consumer but never acknowledged.
// Used on start-up to pick up work a previous run of the same consumer abandoned.
func (c *Client) ReadPending(ctx context.Context, group, consumer string, count int64) ([]Entry, error) {
	return c.readGroup(ctx, group, consumer, "0", count, -1)
}

func (c *Client) readGroup(ctx context.Context, group, consumer, start string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{EventsStreamKey(c.instanceName), start},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from consumer group %s: %w", group, err)
	}

	var entries []Entry
	for _, stream := range streams {
		entries = append(entries, toEntries(stream.Messages)...)
	}
	return entries, nil
}

// AutoClaim transfers entries that have been pending longer than minIdle, for any
// consumer in the group, to consumer. This is how work held by a crashed or failing
// consumer is redelivered.
func (c *Client) AutoClaim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	var claimed []Entry
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   EventsStreamKey(c.instanceName),
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("failed to auto-claim pending entries: %w", err)
		}
		claimed = append(claimed, toEntries(msgs)...)
		if next == "0-0" || next == "" || int64(len(claimed)) >= count {
			return claimed, nil
		}
		start = next
	}
}

// Ack acknowledges entries for group so they are never redelivered.
func (c *Client) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, EventsStreamKey(c.instanceName), group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d entries: %w", len(ids), err)
	}
	return nil
}

// PendingCount returns how many entries are delivered but unacknowledged in group.
func (c *Client) PendingCount(ctx context.Context, group string) (int64, error) {
	p, err := c.rdb.XPending(ctx, EventsStreamKey(c.instanceName), group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending summary: %w", err)
	}
	return p.Count, nil
}

// OldestUnacked returns the millisecond part of the oldest stream entry group has not
// acknowledged: its lowest pending entry, or the first entry not yet delivered to it.
// ok is false when the group has nothing outstanding. A missing group has read
// nothing, so the whole stream counts.
func (c *Client) OldestUnacked(ctx context.Context, group string) (int64, bool, error) {
	key := EventsStreamKey(c.instanceName)

	groups, err := c.rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read consumer groups: %w", err)
	}

	var (
		oldest int64
		ok     bool
	)
	consider := func(id string) error {
		pos, err := ParsePosition(id)
		if err != nil {
			return err
		}
		if ms := int64(pos.Millis); !ok || ms < oldest {
			oldest, ok = ms, true
		}
		return nil
	}

	start := "-"
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		start = "(" + g.LastDeliveredID
		if g.Pending > 0 {
			p, err := c.rdb.XPending(ctx, key, group).Result()
			if err != nil {
				return 0, false, fmt.Errorf("failed to read pending summary: %w", err)
			}
			if p.Count > 0 {
				if err := consider(p.Lower); err != nil {
					return 0, false, err
				}
			}
		}
	}

	next, err := c.rdb.XRangeN(ctx, key, start, "+", 1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read undelivered entries: %w", err)
	}
	if len(next) > 0 {
		if err := consider(next[0].ID); err != nil {
			return 0, false, err
		}
	}
	return oldest, ok, nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry := Entry{ID: msg.ID}
		pos, err := ParsePosition(msg.ID)
		if err != nil {
			entry.Err = err
			entries = append(entries, entry)
			continue
		}
		entry.Pos = pos
		entry.Event, entry.Err = ValuesToEvent(msg.Values)
		entries = append(entries, entry)
	}
	return entries
}

// Publish sends an event on the live channel. Delivery is at-most-once: viewers that
// are not subscribed at that moment never see it.
func (c *Client) Publish(ctx context.Context, e *PlacementEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event for live channel: %w", err)
	}
	if err := c.rdb.Publish(ctx, LiveChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish live event: %w", err)
	}
	return nil
}

// AcquireCooldown sets the per-cell cooldown token if absent.
// Returns false when the cell is still cooling down from a previous placement.
func (c *Client) AcquireCooldown(ctx context.Context, x, y int, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, CooldownKey(c.instanceName, x, y), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set cooldown token: %w", err)
	}
	return ok, nil
}

// LiveSubscription represents an active Pub/Sub subscription to live placement events.
// Caller must call Close() when done to clean up resources.
type LiveSubscription struct {
	events <-chan *PlacementEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of live events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *LiveSubscription) Events() <-chan *PlacementEvent {
	return s.events
}

// Errors returns the channel of subscription errors (undecodable payloads).
func (s *LiveSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
func (s *LiveSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeLive subscribes to the live channel for this instance.
// The subscription is confirmed by Redis before SubscribeLive returns, so events
// published afterwards are delivered.
//
// Events are delivered on a buffered channel (size 256). If the reader is too slow
// Redis Pub/Sub may drop messages (at-most-once delivery).
func (c *Client) SubscribeLive(ctx context.Context) (*LiveSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, LiveChannel(c.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to live channel: %w", err)
	}

	eventsChan := make(chan *PlacementEvent, 256)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event PlacementEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					// Report and skip
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal live event: %w", err):
					default:
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &LiveSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
