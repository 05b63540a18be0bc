// Package realtime streams bridge events to UI clients over WebSocket.
//
// Clients narrow the stream by federation and event kind, and can run
// debounced chat user searches over the same connection:
//
//	{"type":"subscribe","federationIds":["fed1"],"kinds":["balance"]}
//	{"type":"search","query":"alice"}
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/chat"
	"github.com/mbd888/ecashwallet/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 1000

	sendBuffer   = 256
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// FrameType tags frames written to clients.
type FrameType string

const (
	FrameEvent         FrameType = "event"
	FrameSearchResults FrameType = "searchResults"
	FrameError         FrameType = "error"
)

// Frame is one message written to a client.
type Frame struct {
	Type         FrameType        `json:"type"`
	Kind         bridge.EventKind `json:"kind,omitempty"`
	FederationID string           `json:"federationId,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	Data         any              `json:"data,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Subscription filters the events a client receives. Events without a
// federation id pass the federation filter.
type Subscription struct {
	AllEvents     bool               `json:"allEvents"`
	FederationIDs []string           `json:"federationIds"`
	Kinds         []bridge.EventKind `json:"kinds"`
}

// clientMessage is a message read from a client.
type clientMessage struct {
	Type string `json:"type"`
	Subscription
	Query string `json:"query"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	mu   sync.RWMutex
	sub  Subscription

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	search *chat.Debouncer
}

// trySend queues msg without blocking. It reports false when the client's
// buffer is full.
func (c *Client) trySend(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan bridge.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	now        func() time.Time

	searcher *chat.Searcher
	debounce time.Duration

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan bridge.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
		debounce:   chat.DefaultDebounce,
	}
}

// WithSearch enables user search over the socket.
func (h *Hub) WithSearch(searcher *chat.Searcher, debounce time.Duration) *Hub {
	h.searcher = searcher
	if debounce > 0 {
		h.debounce = debounce
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			msg := h.serialize(Frame{
				Type:         FrameEvent,
				Kind:         ev.Kind,
				FederationID: ev.FederationID,
				Timestamp:    h.now(),
				Data:         ev.Data,
			})
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if shouldSend(client, ev) && !client.trySend(msg) {
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						client.closeSend()
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
				h.logger.Warn("dropped slow websocket clients", "count", len(slow))
			}
		}
	}
}

// Forward broadcasts every event from a bridge subscription until ctx is
// done or the channel closes.
func (h *Hub) Forward(ctx context.Context, events <-chan bridge.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// shouldSend checks if an event matches the client's subscription
func shouldSend(client *Client, ev bridge.Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.Kinds) > 0 && !slices.Contains(sub.Kinds, ev.Kind) {
		return false
	}
	if len(sub.FederationIDs) > 0 && ev.FederationID != "" && !slices.Contains(sub.FederationIDs, ev.FederationID) {
		return false
	}
	return true
}

func (h *Hub) serialize(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(ev bridge.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "kind", ev.Kind)
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Hub) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request)
	})
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
	if h.searcher != nil {
		client.search = chat.NewDebouncer(context.Background(), h.searcher, h.debounce, client.deliverSearch, h.logger)
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) deliverSearch(o chat.Outcome) {
	f := Frame{Type: FrameSearchResults, Timestamp: c.hub.now(), Data: o}
	if o.Err != nil {
		f.Error = o.Err.Error()
	}
	c.trySend(c.hub.serialize(f))
}

// handleMessage applies one client message.
func (c *Client) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.trySend(c.hub.serialize(Frame{Type: FrameError, Timestamp: c.hub.now(), Error: "invalid message"}))
		return
	}
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		c.sub = msg.Subscription
		c.mu.Unlock()
	case "search":
		if c.search == nil {
			c.trySend(c.hub.serialize(Frame{Type: FrameError, Timestamp: c.hub.now(), Error: "search unavailable"}))
			return
		}
		c.search.Submit(msg.Query)
	default:
		c.trySend(c.hub.serialize(Frame{Type: FrameError, Timestamp: c.hub.now(), Error: "unknown message type"}))
	}
}

// readPump reads client messages until the connection closes
func (c *Client) readPump() {
	defer func() {
		if c.search != nil {
			c.search.Close()
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump writes queued frames and keepalive pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
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
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
