// Package transport delivers wire events to a connected client over SSE or
// WebSocket. Each event is one JSON object; delivery order is generation
// order.
package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

// Emitter pushes wire events to a client. Emit returns an error when the
// client is gone; the run treats that as fatal for emission but not for
// persistence.
type Emitter interface {
	Emit(ev *wire.Event) error
	Close() error
}

// SSEEmitter writes events as server-sent events, one data frame per event,
// flushed immediately so the client sees each event as it happens.
type SSEEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEEmitter prepares the response for streaming and returns the emitter.
// Fails when the underlying writer cannot flush.
func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeTransport, "response writer does not support streaming", nil)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEEmitter{w: w, flusher: flusher}, nil
}

func (e *SSEEmitter) Emit(ev *wire.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "failed to serialize event", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "failed to write event", err)
	}
	e.flusher.Flush()
	return nil
}

// Close is a no-op: the response ends when the handler returns.
func (e *SSEEmitter) Close() error { return nil }

// WSEmitter writes events as JSON text messages on a WebSocket connection.
// Safe for use from a single run goroutine; the mutex guards against the
// server's control-frame writes.
type WSEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSEmitter(conn *websocket.Conn) *WSEmitter {
	return &WSEmitter{conn: conn}
}

func (e *WSEmitter) Emit(ev *wire.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteJSON(ev); err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "failed to write event", err)
	}
	return nil
}

// Close sends a normal close frame and closes the connection.
func (e *WSEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return e.conn.Close()
}

// CollectEmitter buffers events in memory. Used by tests and by the chat CLI
// when no remote client is attached.
type CollectEmitter struct {
	mu     sync.Mutex
	events []*wire.Event
}

func (e *CollectEmitter) Emit(ev *wire.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *CollectEmitter) Close() error { return nil }

// Events returns the buffered events in emission order.
func (e *CollectEmitter) Events() []*wire.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*wire.Event, len(e.events))
	copy(out, e.events)
	return out
}
