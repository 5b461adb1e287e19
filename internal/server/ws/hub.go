// Package ws pushes order status changes to WebSocket clients as they are
// appended to the per-chain status streams.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// readBatch bounds how many stream entries one poll reads per chain.
	readBatch = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only public status; any origin may listen.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	chains map[uint64]bool // empty means every chain
}

// subscribeMsg is the JSON message a client sends to narrow or widen its
// feed, e.g. {"action":"subscribe","chains":[1,100]}.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Chains []uint64 `json:"chains"`
}

// broadcastMsg carries a status change with the chain it belongs to so the
// hub routes it only to interested clients.
type broadcastMsg struct {
	chainID uint64
	data    []byte
}

// Hub tails the status stream of every indexed chain and fans new entries
// out to connected clients.
type Hub struct {
	bus      domain.SignalBus
	chainIDs []uint64
	interval time.Duration
	logger   *slog.Logger

	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a Hub over the status streams of chainIDs. interval is how
// often the streams are polled; zero selects one second.
func NewHub(bus domain.SignalBus, chainIDs []uint64, interval time.Duration, logger *slog.Logger) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{
		bus:        bus,
		chainIDs:   slices.Clone(chainIDs),
		interval:   interval,
		logger:     logger.With(slog.String("component", "ws")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and one stream tailer per chain. It returns
// when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, id := range h.chainIDs {
		go h.tail(ctx, id)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.chainID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client",
						slog.Uint64("chain_id", msg.chainID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// tail polls one chain's status stream. Entries already in the stream when
// the hub starts are skipped; clients catch up through the changes endpoint.
func (h *Hub) tail(ctx context.Context, chainID uint64) {
	stream := domain.StatusStream(chainID)
	lastID, err := h.drain(ctx, stream)
	if err != nil {
		h.logger.Error("ws: read status stream",
			slog.Uint64("chain_id", chainID),
			slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			msgs, err := h.bus.StreamRead(ctx, stream, lastID, readBatch)
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Warn("ws: read status stream",
						slog.Uint64("chain_id", chainID),
						slog.String("error", err.Error()))
				}
				break
			}
			for _, m := range msgs {
				lastID = m.ID
				select {
				case h.broadcast <- broadcastMsg{chainID: chainID, data: m.Payload}:
				case <-ctx.Done():
					return
				}
			}
			if len(msgs) < readBatch {
				break
			}
		}
	}
}

// drain returns the id of the newest entry in stream, or "0-0" when empty.
func (h *Hub) drain(ctx context.Context, stream string) (string, error) {
	lastID := "0-0"
	for {
		msgs, err := h.bus.StreamRead(ctx, stream, lastID, readBatch)
		if err != nil {
			return lastID, err
		}
		if len(msgs) > 0 {
			lastID = msgs[len(msgs)-1].ID
		}
		if len(msgs) < readBatch {
			return lastID, nil
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. An optional ?chain= query narrows the feed to a
// single chain.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		chains: make(map[uint64]bool),
	}
	if v := r.URL.Query().Get("chain"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.chains[id] = true
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump handles subscription requests until the connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Chains {
			c.chains[id] = true
		}
	case "unsubscribe":
		for _, id := range msg.Chains {
			delete(c.chains, id)
		}
	}
}

func (c *client) isSubscribed(chainID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chains) == 0 || c.chains[chainID]
}

// writePump sends queued changes as text frames plus periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
