package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"furnace-lab/pkg/log"
)

const (
	liveSendBuffer  = 64
	livePongWait    = 60 * time.Second
	livePingPeriod  = 30 * time.Second
	liveWriteWait   = 10 * time.Second
	liveMaxReadSize = 4 * 1024
)

// Event is one message pushed to live clients.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Hub fans events out to websocket clients. A slow client drops
// messages rather than blocking the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	nextID  int64
	clients map[int64]*liveClient
	closed  bool

	// greeting builds the first event sent to a new client.
	greeting func() (Event, bool)

	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  log.GetLogger("live"),
		clients: make(map[int64]*liveClient),
	}
}

// SetGreeting sets the event sent once to every newly connected client.
func (h *Hub) SetGreeting(fn func() (Event, bool)) {
	h.mu.Lock()
	h.greeting = fn
	h.mu.Unlock()
}

// Publish sends an event to every connected client.
func (h *Hub) Publish(kind string, data any) {
	ev := Event{Type: kind, Time: time.Now(), Data: data}
	h.mu.Lock()
	clients := make([]*liveClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.send(ev) {
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were dropped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[int64]*liveClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	c := &liveClient{
		conn:   conn,
		sendCh: make(chan Event, liveSendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.nextID++
	c.id = h.nextID
	h.clients[c.id] = c
	greeting := h.greeting
	h.mu.Unlock()

	h.logger.Debug("live client %d connected", c.id)
	if greeting != nil {
		if ev, ok := greeting(); ok {
			c.send(ev)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(h.logger)
	}()
	c.readPump(h.logger)
	wg.Wait()

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.logger.Debug("live client %d disconnected", c.id)
}

type liveClient struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Event
	done   chan struct{}
	once   sync.Once
}

func (c *liveClient) send(ev Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.sendCh <- ev:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *liveClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards client messages and keeps the pong deadline fresh.
func (c *liveClient) readPump(logger *log.Logger) {
	defer c.close()

	c.conn.SetReadLimit(liveMaxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("live client %d read error: %v", c.id, err)
			}
			return
		}
	}
}

func (c *liveClient) writePump(logger *log.Logger) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Debug("live client %d write error: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
