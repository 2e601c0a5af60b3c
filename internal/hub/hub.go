// Package hub fans out live log lines and status updates to websocket
// clients. Delivery is best-effort: a slow client drops frames rather than
// stalling the broadcaster.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	logx "reportd/pkg/logx"
)

// Websocket ping/pong timeouts per gorilla guidance.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// Clients only send pings/keepalives; anything larger is a protocol error.
	maxMessageSize = 4096

	sendBuffer = 64
)

// Frame is one websocket message to the UI.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	FrameLogMessage   = "log_message"
	FrameStatusUpdate = "status_update"
)

type Hub struct {
	log logx.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	// limiter caps log frame fanout so a chatty subprocess cannot flood every
	// browser tab. Status updates are never limited.
	limiter *rate.Limiter
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// New creates a hub. logRatePerSec <= 0 disables log rate limiting.
func New(logRatePerSec int, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{
		log:     log,
		clients: map[*client]struct{}{},
	}
	if logRatePerSec > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(logRatePerSec), logRatePerSec*2)
	}
	return h
}

// Register takes ownership of an upgraded websocket connection and starts its
// read/write pumps. The connection is closed when the client goes away.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", logx.Int("clients", n))

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastLog sends a log_message frame to all clients, subject to the rate
// limiter.
func (h *Hub) BroadcastLog(line string) {
	if h.limiter != nil && !h.limiter.Allow() {
		return
	}
	h.broadcast(Frame{Type: FrameLogMessage, Data: line})
}

// BroadcastStatus sends a status_update frame to all clients.
func (h *Hub) BroadcastStatus(data any) {
	h.broadcast(Frame{Type: FrameStatusUpdate, Data: data})
}

// LogLine lets the hub serve as a live sink for the logging pipeline.
func (h *Hub) LogLine(line string) { h.BroadcastLog(line) }

func (h *Hub) broadcast(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// Slow client; drop this frame for it.
		}
	}
	h.mu.Unlock()
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.drop(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// The UI never sends meaningful data; reads only detect disconnects.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived) {
				h.log.Debug("websocket read error", logx.Any("err", err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
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
