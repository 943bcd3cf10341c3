package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"servo/engine/internal/events"
)

// WebSocket frame types.
const (
	FramePing         = "ping"
	FramePong         = "pong"
	FrameConnect      = "connect"
	FrameDisconnect   = "disconnect"
	FrameError        = "error"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameCommand      = "command"
	FrameResponse     = "response"
	FrameNotification = "notification"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Frame is the JSON envelope on the wire in both directions.
type Frame struct {
	Type        string         `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	MessageID   string         `json:"message_id"`
	Correlation string         `json:"correlation,omitempty"`
}

func newFrame(frameType string, data map[string]any) Frame {
	return Frame{Type: frameType, Data: data, Timestamp: time.Now(), MessageID: uuid.NewString()}
}

// Hub owns the bounded WebSocket connection set and bridges bus events to
// subscribed clients.
type Hub struct {
	bus      events.Bus
	logger   *slog.Logger
	maxConns int
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*wsConn]struct{}

	stop    chan struct{}
	stopped sync.Once
}

// NewHub builds a hub bridging bus events; Run must be started once.
func NewHub(bus events.Bus, maxConns int, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = 64
	}
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return &Hub{
		bus:      bus,
		logger:   logger.With("component", "websocket"),
		maxConns: maxConns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				_, ok := originSet[r.Header.Get("Origin")]
				return ok
			},
		},
		conns: make(map[*wsConn]struct{}),
		stop:  make(chan struct{}),
	}
}

// Run bridges the event bus into per-connection queues until Close.
func (h *Hub) Run() {
	sub, err := h.bus.Subscribe(256, events.Wildcard)
	if err != nil {
		return
	}
	defer func() { _ = sub.Close() }()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			h.broadcast(ev)
		case <-h.stop:
			return
		}
	}
}

// Close terminates the bridge and every connection.
func (h *Hub) Close() {
	h.stopped.Do(func() { close(h.stop) })
	h.mu.Lock()
	for c := range h.conns {
		c.close()
	}
	h.conns = make(map[*wsConn]struct{})
	h.mu.Unlock()
}

// ConnectionCount reports the live connection count.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) broadcast(ev events.Event) {
	frame := newFrame(FrameNotification, notificationData(ev))
	frame.Correlation = ev.Correlation
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		if c.subscribed(ev.Type) {
			c.send(frame)
		}
	}
}

func notificationData(ev events.Event) map[string]any {
	data := map[string]any{"type": ev.Type, "source": ev.Source, "time": ev.Time}
	for k, v := range ev.Payload {
		data[k] = v
	}
	return data
}

// Handle upgrades the request and services the connection until it drops.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if len(h.conns) >= h.maxConns {
		h.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		hub:    h,
		out:    make(chan Frame, sendBufferSize),
		subs:   make(map[string]struct{}),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	c.send(newFrame(FrameConnect, map[string]any{"connection_id": c.id}))
	go c.writePump()
	c.readPump() // blocks until the peer goes away
	h.drop(c)
}

func (h *Hub) drop(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

type wsConn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub
	out chan Frame

	mu   sync.Mutex
	subs map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// send enqueues a frame, dropping it if the peer's queue is full.
func (c *wsConn) send(f Frame) {
	select {
	case c.out <- f:
	case <-c.closed:
	default:
	}
}

func (c *wsConn) subscribed(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs["*"]; ok {
		return true
	}
	_, ok := c.subs[eventType]
	return ok
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) readPump() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.send(newFrame(FrameError, map[string]any{"message": "malformed frame"}))
			continue
		}
		c.handleFrame(f)
	}
}

func (c *wsConn) handleFrame(f Frame) {
	switch f.Type {
	case FramePing:
		pong := newFrame(FramePong, nil)
		pong.Correlation = f.MessageID
		c.send(pong)
	case FrameSubscribe:
		topic, _ := f.Data["topic"].(string)
		if topic == "" {
			c.send(newFrame(FrameError, map[string]any{"message": "subscribe requires a topic"}))
			return
		}
		c.mu.Lock()
		c.subs[topic] = struct{}{}
		c.mu.Unlock()
		ack := newFrame(FrameResponse, map[string]any{"subscribed": topic})
		ack.Correlation = f.MessageID
		c.send(ack)
	case FrameUnsubscribe:
		topic, _ := f.Data["topic"].(string)
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		ack := newFrame(FrameResponse, map[string]any{"unsubscribed": topic})
		ack.Correlation = f.MessageID
		c.send(ack)
	case FrameDisconnect:
		c.close()
	case FrameCommand:
		// Commands ride the REST surface; the socket is for telemetry.
		resp := newFrame(FrameError, map[string]any{"message": "commands are not accepted on the websocket"})
		resp.Correlation = f.MessageID
		c.send(resp)
	default:
		c.send(newFrame(FrameError, map[string]any{"message": "unknown frame type " + f.Type}))
	}
}
