package webhook

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wendell1224/openclaw-china/internal/lifecycle"
)

// statusUpgrader promotes a /api/internal/status/stream request to a
// WebSocket connection. Origin checking is left to whatever reverse
// proxy terminates TLS in front of this loopback-bound server.
var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// statusClient is one connected live-status watcher.
type statusClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StatusBroadcaster fans lifecycle status changes out to every
// connected /api/internal/status/stream client, adapted from the
// teacher's WSClient read/write pump pair with the chat-RPC surface
// stripped down to a one-way status feed.
type StatusBroadcaster struct {
	mu      sync.Mutex
	clients map[*statusClient]struct{}
}

func newStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{clients: make(map[*statusClient]struct{})}
}

func (b *StatusBroadcaster) register(c *statusClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *StatusBroadcaster) unregister(c *statusClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
	close(c.send)
}

// Publish implements lifecycle.StatusSink: every status change the
// lifecycle manager reports is broadcast to all connected clients as
// one JSON object.
func (b *StatusBroadcaster) Publish(status lifecycle.Status) {
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- payload:
		default: // a stalled client does not block the broadcast
		}
	}
}

func (c *statusClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains the connection so pong frames and client
// disconnects are observed; this feed carries no inbound RPC.
func (c *statusClient) readPump(b *StatusBroadcaster) {
	defer b.unregister(c)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleStatusStream(c *gin.Context) {
	conn, err := statusUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("status stream upgrade failed", "error", err)
		return
	}
	client := &statusClient{conn: conn, send: make(chan []byte, 16)}
	s.broadcaster.register(client)
	go client.writePump()
	go client.readPump(s.broadcaster)
}
