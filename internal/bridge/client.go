package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mbd888/ecashwallet/internal/metrics"
	"github.com/mbd888/ecashwallet/internal/retry"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 5 * time.Second

	defaultDialAttempts = 5
	defaultDialDelay    = 500 * time.Millisecond
)

var (
	ErrNotConnected = errors.New("bridge: not connected")
	ErrDisconnected = errors.New("bridge: connection lost before response")
	ErrClosed       = errors.New("bridge: client closed")
)

// RPCError is an error string returned by the bridge for a method call.
// It is propagated to callers unchanged.
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Method, e.Message)
}

// frame is the single wire envelope for requests, responses and events.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *string         `json:"error,omitempty"`
	Event   EventKind       `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Config for the bridge client.
type Config struct {
	URL          string
	DialAttempts int
	DialDelay    time.Duration
}

type subscriber struct {
	ch   chan Event
	quit chan struct{}
	once sync.Once
}

// Client is a JSON-RPC client for the bridge over a websocket. Requests are
// matched to responses by id; event frames are fanned out to subscribers.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	wsMu sync.Mutex // serializes writes and guards ws
	ws   *websocket.Conn

	reqMu   sync.Mutex
	pending map[string]chan *frame

	subMu   sync.RWMutex
	subs    map[uint64]*subscriber
	nextSub uint64

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates an unconnected bridge client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = defaultDialDelay
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		pending: make(map[string]chan *frame),
		subs:    make(map[uint64]*subscriber),
		done:    make(chan struct{}),
	}
}

// Connect dials the bridge and starts the read loop. The loop reconnects on
// read failure until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.readLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	policy := retry.Policy{Attempts: c.cfg.DialAttempts, BaseDelay: c.cfg.DialDelay}
	return retry.Do(ctx, policy, func() error {
		ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.logger.Warn("bridge dial failed", "url", c.cfg.URL, "error", err)
			return err
		}
		c.wsMu.Lock()
		c.ws = ws
		c.wsMu.Unlock()
		c.connected.Store(true)
		c.logger.Info("bridge connected", "url", c.cfg.URL)
		return nil
	})
}

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close shuts down the connection and fails every in-flight call.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connected.Store(false)
		c.wsMu.Lock()
		if c.ws != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
		c.wsMu.Unlock()
	})
	c.wg.Wait()
	c.failPending(ErrClosed)
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.wsMu.Lock()
		ws := c.ws
		c.wsMu.Unlock()

		var f frame
		err := ws.ReadJSON(&f)
		if err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				c.logger.Warn("bridge frame decode error", "error", err)
				continue
			}
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				c.logger.Info("bridge connection closed")
			} else {
				c.logger.Error("bridge read error", "error", err)
			}
			c.connected.Store(false)
			c.failPending(ErrDisconnected)
			if err := c.dial(ctx); err != nil {
				c.logger.Error("bridge reconnect failed", "error", err)
				return
			}
			continue
		}

		if f.Event != "" {
			c.handleEvent(f)
			continue
		}
		c.handleResponse(&f)
	}
}

func (c *Client) handleResponse(f *frame) {
	c.reqMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.reqMu.Unlock()
	if !ok {
		c.logger.Warn("bridge response for unknown request", "id", f.ID)
		return
	}
	ch <- f
}

func (c *Client) handleEvent(f frame) {
	ev, err := decodeEvent(f.Event, f.Data)
	if err != nil {
		c.logger.Warn("bridge event decode error", "event", f.Event, "error", err)
		return
	}
	metrics.BridgeEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	c.Publish(ev)
}

// Publish delivers ev to every subscriber. Delivery blocks until each
// subscriber accepts the event, unsubscribes, or the client closes.
func (c *Client) Publish(ev Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, s := range c.subs {
		select {
		case s.ch <- ev:
		case <-s.quit:
		case <-c.done:
			return
		}
	}
}

// Subscribe registers for the event stream. The returned cancel func must be
// called when the consumer stops reading.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	s := &subscriber{
		ch:   make(chan Event, buffer),
		quit: make(chan struct{}),
	}
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = s
	c.subMu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			close(s.quit)
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

func (c *Client) failPending(err error) {
	msg := err.Error()
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	for id, ch := range c.pending {
		ch <- &frame{ID: id, Error: &msg}
		delete(c.pending, id)
	}
}

// call sends one request and decodes the result into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, payload any, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.BridgeCallsTotal.WithLabelValues(method, result).Inc()
		metrics.BridgeCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	if !c.connected.Load() {
		return ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan *frame, 1)
	c.reqMu.Lock()
	c.pending[id] = ch
	c.reqMu.Unlock()

	req := frame{ID: id, Method: method, Payload: payload}
	c.wsMu.Lock()
	if c.ws == nil {
		c.wsMu.Unlock()
		c.dropPending(id)
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteJSON(req)
	c.wsMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("bridge: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-c.done:
		c.dropPending(id)
		return ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			switch *resp.Error {
			case ErrDisconnected.Error():
				return ErrDisconnected
			case ErrClosed.Error():
				return ErrClosed
			}
			return &RPCError{Method: method, Message: *resp.Error}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("bridge: decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) dropPending(id string) {
	c.reqMu.Lock()
	delete(c.pending, id)
	c.reqMu.Unlock()
}
