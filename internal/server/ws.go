package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kansoku/internal/model"
)

// WebSocket message types exchanged with realtime subscribers.
const (
	wsTypeConnectionSuccess   = "CONNECTION_SUCCESS"
	wsTypeEvent               = "OBSERVABILITY_EVENT"
	wsTypeLog                 = "OBSERVABILITY_LOG"
	wsTypePing                = "PING"
	wsTypePong                = "PONG"
	wsTypeSubscribe           = "SUBSCRIBE"
	wsTypeSubscriptionSuccess = "SUBSCRIPTION_SUCCESS"
	wsTypeError               = "ERROR"
)

const (
	wsWriteTimeout = 10 * time.Second
	// wsOutboundBuffer is the per-connection outbound queue. A client that
	// cannot keep up loses events rather than stalling the forwarder.
	wsOutboundBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API key check already ran in the middleware chain; dashboards
	// connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsSubscribePayload struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// wsConn is the per-connection state of a realtime subscriber.
type wsConn struct {
	conn   *websocket.Conn
	out    chan wsMessage
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	filter model.BroadcastFilter
}

// HandleStream serves GET /v1/stream: upgrades to WebSocket and forwards
// span lifecycle events and log records from the bus, filtered per
// connection. The initial filter comes from the entity_id and entity_type
// query parameters; a SUBSCRIBE message replaces it.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		conn:   conn,
		out:    make(chan wsMessage, wsOutboundBuffer),
		done:   make(chan struct{}),
		logger: h.logger,
		filter: model.BroadcastFilter{
			EntityID:   r.URL.Query().Get("entity_id"),
			EntityType: r.URL.Query().Get("entity_type"),
		},
	}

	spanCh, cancelSpans := h.bus.SubscribeSpans()
	logCh, cancelLogs := h.bus.SubscribeLogs()
	defer cancelSpans()
	defer cancelLogs()

	go c.writeLoop()
	go c.forwardLoop(spanCh, logCh)

	// The acknowledgment echoes the resolved filter so clients can confirm
	// what they subscribed to.
	c.enqueue(wsMessage{
		Type:      wsTypeConnectionSuccess,
		Data:      c.currentFilter(),
		Timestamp: time.Now().UTC(),
	})

	c.readLoop()

	close(c.done)
	_ = conn.Close()
}

// readLoop consumes client control messages until the connection drops.
func (c *wsConn) readLoop() {
	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case wsTypePing:
			c.enqueue(wsMessage{Type: wsTypePong, Timestamp: time.Now().UTC()})
		case wsTypeSubscribe:
			var sub wsSubscribePayload
			if raw, err := json.Marshal(msg.Data); err == nil {
				_ = json.Unmarshal(raw, &sub)
			}
			c.mu.Lock()
			c.filter = model.BroadcastFilter{EntityID: sub.EntityID, EntityType: sub.EntityType}
			c.mu.Unlock()
			c.enqueue(wsMessage{
				Type:      wsTypeSubscriptionSuccess,
				Data:      sub,
				Timestamp: time.Now().UTC(),
			})
		default:
			c.enqueue(wsMessage{
				Type:      wsTypeError,
				Message:   "unknown message type",
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// forwardLoop moves bus traffic onto the outbound queue, applying the
// connection's filter.
func (c *wsConn) forwardLoop(spanCh <-chan model.SpanLifecycleEvent, logCh <-chan *model.LogRecord) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-spanCh:
			if !ok {
				return
			}
			if !c.currentFilter().MatchSpan(ev.Span) {
				continue
			}
			c.enqueue(wsMessage{
				Type:      wsTypeEvent,
				Data:      ev,
				Timestamp: time.Now().UTC(),
			})
		case rec, ok := <-logCh:
			if !ok {
				return
			}
			if !c.currentFilter().MatchLog(rec) {
				continue
			}
			c.enqueue(wsMessage{
				Type:      wsTypeLog,
				Data:      rec,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// writeLoop is the single writer for the connection; gorilla connections do
// not allow concurrent writes.
func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write error", "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// enqueue adds a message to the outbound queue, dropping it when the client
// is too far behind.
func (c *wsConn) enqueue(msg wsMessage) {
	select {
	case c.out <- msg:
	default:
	}
}

func (c *wsConn) currentFilter() model.BroadcastFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}
