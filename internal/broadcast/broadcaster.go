// Package broadcast fans live placement events out to connected viewers.
//
// Every viewer session has its own bounded queue and writer goroutine. Broadcasting
// never blocks on a viewer: if a session's queue is full, or a write to it fails, that
// session is disconnected and the others are unaffected.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/canvas/pkg/canvas"
)

// MessageTypePixelUpdate is the type of every message sent to viewers.
const MessageTypePixelUpdate = "pixel_update"

// Message is the wire form of a viewer notification.
type Message struct {
	Type    string                 `json:"type"`
	Payload *canvas.PlacementEvent `json:"payload"`
}

// Conn is one viewer connection. WriteMessage is only called from the session's writer
// goroutine; Close may be called concurrently with it and must unblock a stalled write.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Session is a registered viewer.
type Session struct {
	id   int64
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// ID returns the session's identifier, unique within its Broadcaster.
func (s *Session) ID() int64 { return s.id }

// Done is closed when the session has been disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) stop() bool {
	stopped := false
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		stopped = true
	})
	return stopped
}

// Broadcaster holds the set of live sessions.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
	closed   bool

	bufferSize int
	instance   string
}

// New creates a broadcaster whose sessions queue up to bufferSize messages.
func New(bufferSize int, instance string) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broadcaster{
		sessions:   make(map[int64]*Session),
		bufferSize: bufferSize,
		instance:   instance,
	}
}

// Register adds a viewer and starts its writer. Registering on a closed broadcaster
// returns a session that is already done.
func (b *Broadcaster) Register(conn Conn) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Session{
		id:   b.nextID,
		conn: conn,
		send: make(chan []byte, b.bufferSize),
		done: make(chan struct{}),
	}
	if b.closed {
		s.stop()
		return s
	}

	b.sessions[s.id] = s
	go b.write(s)
	return s
}

// Unregister disconnects a session. Safe to call more than once.
func (b *Broadcaster) Unregister(s *Session) {
	b.drop(s, "unregistered")
}

// Len returns the number of connected sessions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Broadcast queues event for every session without blocking. Sessions whose queue is
// full are disconnected.
func (b *Broadcaster) Broadcast(event *canvas.PlacementEvent) error {
	data, err := json.Marshal(Message{Type: MessageTypePixelUpdate, Payload: event})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}

	b.mu.Lock()
	var slow []*Session
	for _, s := range b.sessions {
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	b.mu.Unlock()

	for _, s := range slow {
		b.drop(s, "queue_full")
	}
	return nil
}

// Run broadcasts every event from feed until ctx is cancelled or feed is closed.
func (b *Broadcaster) Run(ctx context.Context, feed <-chan *canvas.PlacementEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-feed:
			if !ok {
				return nil
			}
			if err := b.Broadcast(event); err != nil {
				log.Printf("[Broadcast] %v", err)
			}
		}
	}
}

// Close disconnects every session. It does not wait for writers to drain.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[int64]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	return nil
}

func (b *Broadcaster) write(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.WriteMessage(data); err != nil {
				b.drop(s, "write_failed")
				return
			}
		}
	}
}

func (b *Broadcaster) drop(s *Session, reason string) {
	b.mu.Lock()
	if cur, ok := b.sessions[s.id]; ok && cur == s {
		delete(b.sessions, s.id)
	}
	remaining := len(b.sessions)
	b.mu.Unlock()

	if s.stop() {
		b.logEvent("session_dropped", map[string]interface{}{
			"session_id": s.id,
			"reason":     reason,
			"remaining":  remaining,
		})
	}
}

func (b *Broadcaster) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "broadcast"
	data["event_type"] = eventType
	data["instance"] = b.instance

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Broadcast] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
