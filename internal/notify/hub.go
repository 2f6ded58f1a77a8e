package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Hub fans notices out to the WebSocket clients of each recipient.
// Publish never blocks: a client whose buffer is full misses the notice.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Notice
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Mobile clients do not send an Origin; auth is enforced before upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[string]map[*client]struct{}{},
	}
}

// Publish delivers n to every client of n.To and reports how many accepted it.
func (h *Hub) Publish(n Notice) int {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for c := range h.clients[n.To] {
		select {
		case c.send <- n:
			delivered++
		default:
			h.log.Warn("notice dropped: client buffer full", "to", n.To, "type", n.Kind, "call_id", n.CallID)
		}
	}
	return delivered
}

// Connected returns the number of live clients for recipient.
func (h *Hub) Connected(recipient string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[recipient])
}

// ServeWS upgrades the request and streams notices for recipient until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, recipient string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan Notice, sendBuffer)}
	h.add(recipient, c)
	h.log.Debug("client connected", "to", recipient)

	go h.writeLoop(c)
	h.readLoop(c)

	h.remove(recipient, c)
	h.log.Debug("client disconnected", "to", recipient)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for to, set := range h.clients {
		for c := range set {
			c.close()
		}
		delete(h.clients, to)
	}
}

func (h *Hub) add(recipient string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[recipient]
	if !ok {
		set = map[*client]struct{}{}
		h.clients[recipient] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(recipient string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[recipient]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, recipient)
		}
	}
	c.close()
}

// readLoop only services control frames; clients talk to us over HTTP.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case n, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(n); err != nil {
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
