// Package session provides a single authenticated websocket channel scoped to
// one room. Frames are JSON events; lifecycle handlers must be attached before
// Start launches the read loop so no event fires without a handler.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/happylinks/browser/pkg/relay"
)

// EventError carries a JSON-encoded server error report.
const EventError = "error"

// ReasonForced is the disconnect reason reported when the server closed the
// session on purpose, commonly because its authorization was invalid or
// expired.
const ReasonForced = "forced server disconnect"

// frame is the JSON event framing used on the socket.
type frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	onConnect    []func()
	onDisconnect []func(reason string)
	onError      []func(jsonMsg string)
	onRoom       []func(data string) error
}

// Dial opens the channel, presenting the session token as a bearer credential
// on the handshake. The returned session is idle until Start is called.
func Dial(ctx context.Context, rawURL string, token string) (*Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", rawURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	return &Session{conn: conn}, nil
}

// OnConnect registers a handler fired once the read loop starts.
func (s *Session) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnDisconnect registers a handler fired when the channel closes, with a
// reason derived from the close condition.
func (s *Session) OnDisconnect(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// OnError registers a handler for server error events.
func (s *Session) OnError(fn func(jsonMsg string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

// OnRoomMessage registers the handler for the room-scoped application event.
// Handler errors are reported by the read loop, not swallowed.
func (s *Session) OnRoomMessage(fn func(data string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRoom = append(s.onRoom, fn)
}

// Start launches the read loop and fires the connect handlers.
func (s *Session) Start() {
	go s.readLoop()
}

// Emit writes one event frame to the channel.
func (s *Session) Emit(event string, data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(frame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}
	return nil
}

// Close tears the channel down. The read loop observes the closure and fires
// the disconnect handlers.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) readLoop() {
	for _, fn := range s.connectHandlers() {
		fn()
	}
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			reason := closeReason(err)
			for _, fn := range s.disconnectHandlers() {
				fn(reason)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Error("failed to decode session frame", "err", err)
			continue
		}
		switch f.Event {
		case EventError:
			for _, fn := range s.errorHandlers() {
				fn(f.Data)
			}
		case relay.EventRoomMessage:
			for _, fn := range s.roomHandlers() {
				if err := fn(f.Data); err != nil {
					slog.Error("room message handler failed", "err", err)
				}
			}
		default:
			slog.Debug("ignoring unknown session event", "event", f.Event)
		}
	}
}

func closeReason(err error) string {
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return ReasonForced
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "closed"
	}
	return err.Error()
}

func (s *Session) connectHandlers() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(){}, s.onConnect...)
}

func (s *Session) disconnectHandlers() []func(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(string){}, s.onDisconnect...)
}

func (s *Session) errorHandlers() []func(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(string){}, s.onError...)
}

func (s *Session) roomHandlers() []func(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(string) error{}, s.onRoom...)
}
