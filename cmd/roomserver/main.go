// roomserver is a development-grade relay implementing the external surfaces
// the room controller consumes: an authorize endpoint mapping logical
// references to rooms with JWT session tokens, and a per-room websocket that
// applies and rebroadcasts sync envelopes. Room documents live in an in-memory
// cache backed up to sqlite on a coalescing schedule.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/felixge/httpsnoop"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/happylinks/browser/pkg/relay"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "rooms.sqlite3", "the sqlite database to store rooms in")
	ttlVar := flag.Duration("session-ttl", 12*time.Hour, "how long issued session tokens remain valid")
	flag.Parse()

	slog.Info("Opening database", "path", *dbVar)
	db, err := sql.Open("sqlite3", *dbVar)
	if err != nil {
		return err
	}
	defer db.Close()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate signing secret: %w", err)
	}

	s := &server{database: db, secret: secret, sessionTTL: *ttlVar, rooms: new(sync.Map)}
	if err := s.init(); err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodPost).Path("/authorize").HandlerFunc(s.authorize)
	r.Methods(http.MethodGet).Path("/rooms/{room}/socket").HandlerFunc(s.socket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second * 5)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.backup(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()
	slog.Info("listening", "addr", *addrVar)

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	wg.Wait()

	// final backup so nothing from the last window is lost
	s.backup(context.Background())
	return nil
}

type server struct {
	database   *sql.DB
	secret     []byte
	sessionTTL time.Duration
	rooms      *sync.Map // room id -> *roomState
}

type roomState struct {
	id string

	mu    sync.Mutex
	doc   *automerge.Doc
	conns map[*roomConn]struct{}
}

type roomConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	state   *automerge.SyncState
}

func (s *server) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
    	id text not null primary key,
    	reference text not null unique,
    	content text not null
		)`,
	); err != nil {
		return err
	}

	rows, err := s.database.Query(`SELECT id, content FROM rooms`)
	if err != nil {
		return fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var roomID, rawContent string
		if err := rows.Scan(&roomID, &rawContent); err != nil {
			return fmt.Errorf("failed to scan room: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(rawContent)
		if err != nil {
			return fmt.Errorf("failed to decode room %s: %w", roomID, err)
		}
		d, err := automerge.Load(raw)
		if err != nil {
			return fmt.Errorf("failed to load room %s: %w", roomID, err)
		}
		s.rooms.Store(roomID, &roomState{id: roomID, doc: d, conns: map[*roomConn]struct{}{}})
	}
	slog.Info("Ensured initial tables exist")
	return rows.Err()
}

func (s *server) backup(ctx context.Context) {
	s.rooms.Range(func(roomID, raw any) bool {
		state := raw.(*roomState)
		state.mu.Lock()
		newContent := base64.StdEncoding.EncodeToString(state.doc.Save())
		heads := state.doc.Heads()
		state.mu.Unlock()
		if res, err := s.database.ExecContext(
			ctx, `UPDATE rooms SET content = ? WHERE id = ? AND content != ?`,
			newContent, roomID, newContent,
		); err != nil {
			slog.Error("failed to backup room in database", "room", roomID, "err", err)
		} else if r, _ := res.RowsAffected(); r > 0 {
			slog.Info("backed up", "room", roomID, "heads", heads)
		}
		return true
	})
}

func (s *server) authorize(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.Reference == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	state, err := s.getOrCreateRoom(request.Context(), inputs.Reference)
	if err != nil {
		slog.Error("failed to resolve room", "reference", inputs.Reference, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"room": state.id,
		"exp":  time.Now().Add(s.sessionTTL).Unix(),
	}).SignedString(s.secret)
	if err != nil {
		slog.Error("failed to sign session token", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	state.mu.Lock()
	saved := state.doc.Save()
	state.mu.Unlock()

	if err := json.NewEncoder(writer).Encode(map[string]interface{}{
		"room":    map[string]interface{}{"id": state.id, "state": saved},
		"session": map[string]interface{}{"token": token},
	}); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func (s *server) getOrCreateRoom(ctx context.Context, reference string) (*roomState, error) {
	var roomID string
	err := s.database.QueryRowContext(ctx, `SELECT id FROM rooms WHERE reference = ?`, reference).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		buff := make([]byte, 8)
		if _, err := rand.Read(buff); err != nil {
			return nil, fmt.Errorf("failed to generate room id: %w", err)
		}
		roomID = hex.EncodeToString(buff)
		d := automerge.New()
		if _, err := s.database.ExecContext(
			ctx, `INSERT INTO rooms (id, reference, content) VALUES (?, ?, ?)`,
			roomID, reference, base64.StdEncoding.EncodeToString(d.Save()),
		); err != nil {
			return nil, fmt.Errorf("failed to persist room: %w", err)
		}
		state := &roomState{id: roomID, doc: d, conns: map[*roomConn]struct{}{}}
		s.rooms.Store(roomID, state)
		slog.Info("created room", "room", roomID, "reference", reference)
		return state, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}

	raw, ok := s.rooms.Load(roomID)
	if !ok {
		return nil, fmt.Errorf("room %s is in the database but not the cache", roomID)
	}
	return raw.(*roomState), nil
}

func (s *server) socket(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	raw, ok := s.rooms.Load(vars["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	state := raw.(*roomState)

	expiry, err := s.verifyToken(request.Header.Get("Authorization"), state.id)
	if err != nil {
		slog.Info("rejecting socket", "room", state.id, "err", err)
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	state.mu.Lock()
	c := &roomConn{conn: conn, state: automerge.NewSyncState(state.doc)}
	state.conns[c] = struct{}{}
	state.mu.Unlock()

	// when the token expires the session is forced closed; clients see a
	// policy violation close and know to re-authorize
	kick := time.AfterFunc(time.Until(expiry), func() {
		c.writeClose(websocket.ClosePolicyViolation, "session expired")
		_ = conn.Close()
	})
	defer kick.Stop()

	defer func() {
		state.mu.Lock()
		delete(state.conns, c)
		state.mu.Unlock()
	}()

	// advertise the current document to the newcomer
	state.mu.Lock()
	state.pump()
	state.mu.Unlock()

	s.serveConn(state, c)
}

func (s *server) verifyToken(header string, roomID string) (time.Time, error) {
	rawToken := strings.TrimPrefix(header, "Bearer ")
	if rawToken == "" || rawToken == header {
		return time.Time{}, fmt.Errorf("missing bearer token")
	}
	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected claims type")
	}
	if claimed, _ := claims["room"].(string); claimed != roomID {
		return time.Time{}, fmt.Errorf("token is scoped to a different room")
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, fmt.Errorf("token carries no expiry")
	}
	return expiry.Time, nil
}

type frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

func (s *server) serveConn(state *roomState, c *roomConn) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.writeError(state.id, fmt.Sprintf("failed to decode frame: %v", err))
			continue
		}
		if f.Event != relay.EventRoomMessage {
			continue
		}
		var env relay.Envelope
		if err := json.Unmarshal([]byte(f.Data), &env); err != nil {
			c.writeError(state.id, fmt.Sprintf("failed to decode envelope: %v", err))
			continue
		}
		if env.Meta.RoomID != state.id || env.Payload.Msg == nil {
			continue
		}

		state.mu.Lock()
		_, err = c.state.ReceiveMessage(env.Payload.Msg.Data)
		if err != nil {
			state.mu.Unlock()
			slog.Error("failed to apply a message", "room", state.id, "err", err)
			c.writeError(state.id, fmt.Sprintf("failed to apply message: %v", err))
			continue
		}
		heads := state.doc.Heads()
		// fan the new state out to every connection, including replies to the
		// sender
		state.pump()
		state.mu.Unlock()
		slog.Debug("applied message", "room", state.id, "heads", heads)
	}
}

// pump generates pending sync messages for every connection. Callers hold
// state.mu.
func (state *roomState) pump() {
	for c := range state.conns {
		for {
			msg, valid := c.state.GenerateMessage()
			if !valid {
				break
			}
			clock := relay.Clock{}
			for _, change := range msg.Changes() {
				if seq := change.ActorSeq(); seq > clock[change.ActorID()] {
					clock[change.ActorID()] = seq
				}
			}
			env := relay.Envelope{}
			env.Meta.RoomID = state.id
			env.Payload.Msg = &relay.WireMessage{Clock: clock.Entries(), Data: msg.Bytes()}
			raw, err := json.Marshal(env)
			if err != nil {
				slog.Error("failed to encode envelope", "room", state.id, "err", err)
				break
			}
			if err := c.writeFrame(relay.EventRoomMessage, string(raw)); err != nil {
				slog.Info("failed to write to connection", "room", state.id, "err", err)
				break
			}
		}
	}
}

func (c *roomConn) writeFrame(event, data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame{Event: event, Data: data})
}

func (c *roomConn) writeError(roomID, message string) {
	detail, _ := json.Marshal(map[string]interface{}{"room": roomID, "message": message})
	if err := c.writeFrame("error", string(detail)); err != nil {
		slog.Info("failed to write error frame", "room", roomID, "err", err)
	}
}

func (c *roomConn) writeClose(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
