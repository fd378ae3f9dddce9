package kansoku

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Stream message types, mirroring the server's wire values.
const (
	MessageConnectionSuccess   = "CONNECTION_SUCCESS"
	MessageEvent               = "OBSERVABILITY_EVENT"
	MessageLog                 = "OBSERVABILITY_LOG"
	MessagePong                = "PONG"
	MessageSubscriptionSuccess = "SUBSCRIPTION_SUCCESS"
	MessageError               = "ERROR"
)

// StreamFilter narrows which traffic a realtime stream receives. Zero-value
// means everything. Filtering applies at trace roots; child spans of a
// matching root are always delivered.
type StreamFilter struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// StreamMessage is one message received from the realtime stream. Exactly
// one of Event and Log is non-nil for the corresponding message types;
// control messages carry neither.
type StreamMessage struct {
	Type      string
	Event     *SpanLifecycleEvent // set when Type == MessageEvent
	Log       *LogRecord          // set when Type == MessageLog
	Message   string              // set when Type == MessageError
	Timestamp time.Time
}

// wireMessage is the raw WebSocket frame shape.
type wireMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stream is a live connection to GET /v1/stream. Recv and the write methods
// (Subscribe, Ping, Close) may be used from different goroutines, but Recv
// itself must not be called concurrently.
type Stream struct {
	conn *websocket.Conn
}

// Stream opens a realtime WebSocket connection. A nil filter subscribes to
// all traffic. The connection stays open until Close is called or the server
// drops it; ctx only bounds the dial.
func (c *Client) Stream(ctx context.Context, filter *StreamFilter) (*Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/stream"

	params := url.Values{}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	if filter != nil {
		if filter.EntityID != "" {
			params.Set("entity_id", filter.EntityID)
		}
		if filter.EntityType != "" {
			params.Set("entity_type", filter.EntityType)
		}
	}
	if len(params) > 0 {
		wsURL += "?" + params.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, &Error{StatusCode: resp.StatusCode, Code: "connect_failed", Message: err.Error()}
		}
		return nil, fmt.Errorf("kansoku: dial stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return &Stream{conn: conn}, nil
}

// Recv blocks until the next message arrives. Returns an error when the
// connection is closed.
func (s *Stream) Recv() (StreamMessage, error) {
	var raw wireMessage
	if err := s.conn.ReadJSON(&raw); err != nil {
		return StreamMessage{}, fmt.Errorf("kansoku: read stream: %w", err)
	}

	msg := StreamMessage{Type: raw.Type, Message: raw.Message, Timestamp: raw.Timestamp}
	switch raw.Type {
	case MessageEvent:
		var ev SpanLifecycleEvent
		if err := json.Unmarshal(raw.Data, &ev); err != nil {
			return StreamMessage{}, fmt.Errorf("kansoku: decode event data: %w", err)
		}
		msg.Event = &ev
	case MessageLog:
		var rec LogRecord
		if err := json.Unmarshal(raw.Data, &rec); err != nil {
			return StreamMessage{}, fmt.Errorf("kansoku: decode log data: %w", err)
		}
		msg.Log = &rec
	}
	return msg, nil
}

// Subscribe replaces the stream's filter. The server confirms with a
// SUBSCRIPTION_SUCCESS message on the read side.
func (s *Stream) Subscribe(filter StreamFilter) error {
	if err := s.conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "data": filter}); err != nil {
		return fmt.Errorf("kansoku: subscribe: %w", err)
	}
	return nil
}

// Ping sends an application-level PING. The server answers with a PONG
// message on the read side.
func (s *Stream) Ping() error {
	if err := s.conn.WriteJSON(map[string]any{"type": "PING"}); err != nil {
		return fmt.Errorf("kansoku: ping: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Any blocked Recv returns an error.
func (s *Stream) Close() error {
	return s.conn.Close()
}
