// Package canvas provides the shared types and the Redis client for the canvas event
// pipeline.
//
// # Overview
//
// Every placement on the grid is a PlacementEvent. The ingest gateway appends events to
// a Redis stream (the durable event log) and publishes them on a Pub/Sub channel (the
// live notification channel). Batch consumers read the stream through a consumer group
// and materialise cell state; the broadcaster relays the live channel to viewers.
//
// # Delivery guarantees
//
// The stream is at-least-once: entries stay in the group's pending list until a
// consumer acknowledges them, and AutoClaim hands entries idle for too long to another
// consumer. The live channel is at-most-once; a viewer that misses an event recovers
// through a snapshot plus history replay.
//
// # Usage Example
//
//	client, err := canvas.NewClient(&redis.Options{Addr: "localhost:6379"}, "default",
//		canvas.WithMaxLen(1_000_000))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	id, err := client.Append(ctx, &canvas.PlacementEvent{
//		EventID: uuid.New().String(),
//		X:       5,
//		Y:       5,
//		Color:   0xFF0000,
//		TS:      time.Now().UnixMilli(),
//	})
//
// # Redis Schema
//
// All Redis keys follow the pattern: canvas:{instance_name}:{entity}
//
// Event stream: canvas:{instance_name}:events
// Live channel: canvas:{instance_name}:live
// Cooldown tokens: canvas:{instance_name}:cooldown:{x}:{y}
//
// Stream entries carry the string fields event_id, x, y, color, ts and optionally
// user_id. Live channel messages are the JSON encoding of PlacementEvent.
package canvas
