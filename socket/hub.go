// Package socket is the event channel between the backend and the avatar
// page. Every frame is a JSON object {"event": name, "data": payload}.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/onnwee/live-avatar/telemetry"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	readLimit    = 32 << 20 // uploads arrive as base64 inside a frame
)

// Frame is one message on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HandlerFunc handles one inbound event. data is the raw "data" member and may be empty.
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage)

// Options configures the upgrade.
type Options struct {
	// OriginPatterns are host patterns accepted besides same-origin requests.
	OriginPatterns []string
	// AnyOrigin disables origin checks (development).
	AnyOrigin bool
}

// Hub tracks connected clients and dispatches inbound events.
type Hub struct {
	opts Options

	mu       sync.Mutex
	clients  map[*Client]struct{}
	handlers map[string]HandlerFunc
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		opts:     opts,
		clients:  make(map[*Client]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// On registers fn for event, replacing any previous handler.
func (h *Hub) On(event string, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[event] = fn
	h.mu.Unlock()
}

func (h *Hub) handler(event string) (HandlerFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, ok := h.handlers[event]
	return fn, ok
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event to every connected client. Slow clients whose queue
// is full miss the frame.
func (h *Hub) Broadcast(event string, data any) {
	f, err := encode(event, data)
	if err != nil {
		slog.Error("broadcast encode failed", slog.String("component", "socket"), slog.String("event", event), slog.Any("err", err))
		return
	}
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(f)
	}
	telemetry.CountBroadcast(event)
	slog.Debug("broadcast", slog.String("component", "socket"), slog.String("event", event), slog.Int("clients", len(targets)))
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	telemetry.SetSocketClients(n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	telemetry.SetSocketClients(n)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.opts.OriginPatterns,
		InsecureSkipVerify: h.opts.AnyOrigin,
	})
	if err != nil {
		slog.Warn("websocket accept failed", slog.String("component", "socket"), slog.Any("err", err))
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &Client{
		ID:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan Frame, sendBuffer),
		done: make(chan struct{}),
	}
	h.add(c)
	logger := slog.With(slog.String("component", "socket"), slog.String("client", c.ID))
	logger.Info("client connected", slog.String("remote_addr", r.RemoteAddr))

	go c.writeLoop(ctx)
	err = c.readLoop(ctx)

	h.remove(c)
	close(c.done)
	cancel()
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		logger.Info("client disconnected")
	} else if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("client read ended", slog.Any("err", err))
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Client is one connected browser.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan Frame
	done chan struct{}
}

// Emit sends event to this client only.
func (c *Client) Emit(event string, data any) {
	f, err := encode(event, data)
	if err != nil {
		slog.Error("emit encode failed", slog.String("component", "socket"), slog.String("event", event), slog.Any("err", err))
		return
	}
	c.enqueue(f)
}

func (c *Client) enqueue(f Frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		slog.Warn("client queue full, dropping frame", slog.String("component", "socket"), slog.String("client", c.ID), slog.String("event", f.Event))
	}
}

// readLoop dispatches events in arrival order.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		typ, msg, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			slog.Warn("dropping malformed frame", slog.String("component", "socket"), slog.String("client", c.ID), slog.Any("err", err))
			continue
		}
		if f.Event == "" {
			continue
		}
		fn, ok := c.hub.handler(f.Event)
		if !ok {
			slog.Debug("no handler for event", slog.String("component", "socket"), slog.String("event", f.Event))
			continue
		}
		evCtx := telemetry.WithCorrelation(ctx, uuid.New().String())
		c.dispatch(evCtx, fn, f)
	}
}

func (c *Client) dispatch(ctx context.Context, fn HandlerFunc, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panic", slog.String("component", "socket"), slog.String("event", f.Event), slog.Any("panic", r))
		}
	}()
	fn(ctx, c, f.Data)
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, f)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", slog.String("component", "socket"), slog.String("client", c.ID), slog.Any("err", err))
				return
			}
		}
	}
}

func encode(event string, data any) (Frame, error) {
	f := Frame{Event: event}
	if data == nil {
		return f, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	f.Data = b
	return f, nil
}
