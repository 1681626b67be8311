// Package webhost exposes the BLE bridge to a browser: a WebSocket hub
// that pushes bridge events and accepts calls, and a small REST API for
// clients that only want request/response.
package webhost

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
	sendBuffer   = 64
)

// EventFrame is pushed to every client for each bridge event.
type EventFrame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// CallFrame is an inbound call. Params are positional, in the order of
// the bridge method's arguments.
type CallFrame struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// ReplyFrame answers one CallFrame, to the calling client only.
type ReplyFrame struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CallHandler executes one inbound call.
type CallHandler func(method string, params []json.RawMessage) (any, error)

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans bridge events out to connected WebSocket clients. It
// implements ble.Emitter; Emit never blocks, and a client whose buffer
// is full is dropped.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. allowOrigins lists the accepted Origin headers;
// "*" accepts any, and an empty list accepts same-origin only.
func NewHub(allowOrigins []string, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeTimeout: writeTimeout,
		clients:      make(map[*client]struct{}),
	}
	if len(allowOrigins) > 0 {
		h.upgrader.CheckOrigin = originChecker(allowOrigins)
	}
	return h
}

func originChecker(allow []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allow))
	for _, o := range allow {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// Emit implements ble.Emitter.
func (h *Hub) Emit(name, data string) {
	msg, err := json.Marshal(EventFrame{Event: name, Data: data})
	if err != nil {
		slog.Error("[WEB] marshal event", "event", name, "error", err)
		return
	}
	slog.Debug("[WEB] event", "event", name, "data", data)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("[WEB] client too slow, dropping", "remote", c.conn.RemoteAddr())
			delete(h.clients, c)
			c.close()
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and serves the client until it goes away.
// Calls from the client are executed by handle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, handle CallHandler) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WEB] websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("[WEB] websocket connected", "remote", conn.RemoteAddr(), "clients", n)

	go h.writePump(c)
	h.readPump(c, handle)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("[WEB] websocket disconnected", "remote", c.conn.RemoteAddr(), "clients", n)
}

func (h *Hub) readPump(c *client, handle CallHandler) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[WEB] websocket read", "error", err)
			}
			return
		}

		var call CallFrame
		var reply ReplyFrame
		if err := json.Unmarshal(data, &call); err != nil {
			reply.Error = "malformed call: " + err.Error()
		} else {
			reply.ID = call.ID
			reply.Result, reply.Error = encodeResult(handle(call.Method, call.Params))
		}
		h.reply(c, reply)
	}
}

// encodeResult turns a handler outcome into reply fields. A nil result
// encodes as JSON null so successful void calls still carry "result".
func encodeResult(result any, err error) (json.RawMessage, string) {
	if err != nil {
		return nil, err.Error()
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, ""
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, "encoding result: " + err.Error()
	}
	return b, ""
}

func (h *Hub) reply(c *client, reply ReplyFrame) {
	msg, err := json.Marshal(reply)
	if err != nil {
		slog.Error("[WEB] marshal reply", "id", reply.ID, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		slog.Warn("[WEB] reply dropped, client buffer full", "id", reply.ID)
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("[WEB] websocket write", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
