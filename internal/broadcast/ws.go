package broadcast

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type wsConn struct {
	wc *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.wc.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	return c.wc.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) Close() error {
	return c.wc.Close()
}

// ServeWS upgrades viewer requests to websockets and registers them with b. Inbound
// messages are ignored; the handler returns when the viewer goes away or is dropped.
func ServeWS(b *Broadcaster) http.HandlerFunc {
	upgr := &websocket.Upgrader{
		// Viewers are read-only and unauthenticated.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[Broadcast] Websocket upgrade failed: %v", err)
			return
		}
		conn := &wsConn{wc: wc}
		s := b.Register(conn)
		defer b.Unregister(s)

		go keepAlive(b, s, conn)

		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}
}

func keepAlive(b *Broadcaster, s *Session, conn *wsConn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-t.C:
			if err := conn.ping(); err != nil {
				b.drop(s, "ping_failed")
				return
			}
		}
	}
}
