package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"waterWise/internal/app/dto"
	"waterWise/internal/domain/model"
	"waterWise/internal/domain/useCases"
	"waterWise/internal/lib/logger/sl"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

const (
	MessageAlert  = "alert"
	MessageBucket = "bucket"
)

// Message is the envelope of everything pushed to websocket clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// client owns one connection. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketBroadcaster pushes alert events and bucket updates to every
// connected client. Publishing never waits on a client: each one has a
// buffered queue, and a client whose queue is full is disconnected.
type WebSocketBroadcaster struct {
	clients  map[*client]struct{}
	mu       sync.Mutex
	upgrader websocket.Upgrader
	log      *slog.Logger
}

var _ useCases.Broadcaster = (*WebSocketBroadcaster)(nil)

func NewWebSocketBroadcaster(log *slog.Logger) *WebSocketBroadcaster {
	return &WebSocketBroadcaster{
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log.With(slog.String("component", "websocket")),
	}
}

func (b *WebSocketBroadcaster) PublishAlert(_ context.Context, ev model.AlertEvent) {
	b.broadcast(Message{Type: MessageAlert, Payload: dto.FromAlert(ev)})
}

func (b *WebSocketBroadcaster) BucketUpdated(_ context.Context, bucket model.Bucket) {
	b.broadcast(Message{Type: MessageBucket, Payload: dto.FromBucket(bucket)})
}

// Clients returns the number of connected clients.
func (b *WebSocketBroadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *WebSocketBroadcaster) broadcast(m Message) {
	msg, err := json.Marshal(m)
	if err != nil {
		b.log.Error("failed to marshal message", slog.String("type", m.Type), sl.Err(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
			b.log.Warn("websocket client too slow, dropping it")
			b.removeLocked(c)
		}
	}
}

func (b *WebSocketBroadcaster) add(c *client) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
}

func (b *WebSocketBroadcaster) remove(c *client) {
	b.mu.Lock()
	b.removeLocked(c)
	b.mu.Unlock()
}

// removeLocked closes the client's queue, which makes its write pump send a
// close frame and hang up.
func (b *WebSocketBroadcaster) removeLocked(c *client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
}

// Handler returns an http.HandlerFunc to accept websocket connections.
func (b *WebSocketBroadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warn("websocket upgrade error", sl.Err(err))
			return
		}
		c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
		b.add(c)

		go b.writePump(c)
		go b.readPump(c)
	}
}

// readPump only detects the client going away and answers pongs.
func (b *WebSocketBroadcaster) readPump(c *client) {
	defer func() {
		b.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Debug("websocket read error", sl.Err(err))
			}
			return
		}
	}
}

func (b *WebSocketBroadcaster) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.log.Debug("websocket write error, dropping client", sl.Err(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (b *WebSocketBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		b.removeLocked(c)
	}
}
