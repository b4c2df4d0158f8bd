// Package room implements the reconciliation controller for a single
// collaboratively edited room document. It orchestrates authorization, the
// offline cache, the transport session, and the sync relay, deciding when the
// local document is authoritative, when it is replaced, and when it is merged.
//
// Controller operations serialize their own state behind a mutex, but
// concurrent Init/Restore calls are not guarded against each other; callers
// are expected to serialize those.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/happylinks/browser/pkg/doc"
	"github.com/happylinks/browser/pkg/relay"
	"github.com/happylinks/browser/pkg/session"
)

// DocName is the store name under which the controller caches the room
// document snapshot.
const DocName = "room-doc"

// DefaultSaveInterval is the debounce window for snapshot persistence. Writes
// within the window coalesce into one store write of the most recent state.
const DefaultSaveInterval = 120 * time.Millisecond

// Store is the offline identity store the controller persists through.
type Store interface {
	GetOrCreateActor(ctx context.Context) (string, error)
	GetDoc(ctx context.Context, reference, name string) ([]byte, error)
	SetDoc(ctx context.Context, reference, name string, raw []byte) error
}

// Session is the transport channel the controller attaches to after
// authorization.
type Session interface {
	OnConnect(fn func())
	OnDisconnect(fn func(reason string))
	OnError(fn func(jsonMsg string))
	OnRoomMessage(fn func(data string) error)
	Emit(event string, data string) error
	Start()
	Close() error
}

// DialFunc opens an authenticated transport session for a room.
type DialFunc func(ctx context.Context, rawURL string, token string) (Session, error)

type Config struct {
	// URL is the base http(s) URL of the relay service.
	URL string
	// Reference is the caller's logical name for the room.
	Reference string
	// State seeds the document created when no cached or server copy exists.
	State map[string]interface{}
	// Store is the offline cache. Required.
	Store Store
	// SaveInterval overrides the persistence debounce window.
	SaveInterval time.Duration
	// Dial overrides how transport sessions are opened.
	Dial DialFunc
	// Client overrides the HTTP client used for authorization.
	Client *http.Client
}

type Room struct {
	cfg   Config
	relay *relay.Relay
	saver *saver

	// ensureMu serializes first-time document creation.
	ensureMu sync.Mutex

	mu      sync.Mutex
	actorID string
	current *doc.Doc
	roomID  string
	session Session

	// registered handlers survive the session they were first attached to and
	// are re-attached on every session creation so a reconnect can resume
	updateHandler      func(data string) error
	connectHandlers    []func()
	disconnectHandlers []func(reason string)
}

// New constructs the controller and eagerly resolves the actor identity and
// initial document in the background. Operations that need the document await
// the same resolution lazily.
func New(cfg Config) *Room {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, rawURL string, token string) (Session, error) {
			s, err := session.Dial(ctx, rawURL, token)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	r := &Room{cfg: cfg, relay: relay.New()}
	r.saver = newSaver(cfg.SaveInterval, r.persist)
	go func() {
		if _, err := r.ensureDoc(context.Background()); err != nil {
			slog.Warn("failed to prepare initial document", "reference", cfg.Reference, "err", err)
		}
	}()
	return r
}

// ensureDoc resolves the actor identity once and creates the default document
// if none exists yet.
func (r *Room) ensureDoc(ctx context.Context) (*doc.Doc, error) {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()

	r.mu.Lock()
	if r.current != nil {
		d := r.current
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	actorID, err := r.cfg.Store.GetOrCreateActor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actor identity: %w", err)
	}
	d, err := doc.New(actorID, r.cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	r.mu.Lock()
	r.actorID = actorID
	r.current = d
	r.mu.Unlock()
	return d, nil
}

// Restore loads the cached snapshot for the reference, if any, adopts it as
// the current document, and notifies the relay. A missing snapshot is a normal
// empty state: the in-memory document is returned unchanged.
func (r *Room) Restore(ctx context.Context) (*doc.Doc, error) {
	d, err := r.ensureDoc(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := r.cfg.Store.GetDoc(ctx, r.cfg.Reference, DocName)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached snapshot: %w", err)
	}
	if raw == nil {
		return d, nil
	}
	restored, err := doc.Load(raw, r.ActorID())
	if err != nil {
		return nil, fmt.Errorf("failed to load cached snapshot: %w", err)
	}
	r.adopt(restored)
	r.relay.Notify(restored)
	return restored, nil
}

// Init authorizes the reference, opens the transport session, and reconciles
// the offline cache with the server's copy of the document. Authorization and
// transport failures degrade to the offline Restore path instead of
// propagating: the controller simply stays offline.
func (r *Room) Init(ctx context.Context) (*doc.Doc, error) {
	if _, err := r.ensureDoc(ctx); err != nil {
		return nil, err
	}

	grant, err := r.authorize(ctx)
	if err != nil {
		slog.Warn("authorization failed, staying offline", "reference", r.cfg.Reference, "err", err)
		return r.Restore(ctx)
	}

	socketURL, err := r.socketURL(grant.Room.ID)
	if err != nil {
		return nil, err
	}
	sess, err := r.cfg.Dial(ctx, socketURL, grant.Session.Token)
	if err != nil {
		slog.Warn("failed to open transport session, staying offline", "room", grant.Room.ID, "err", err)
		return r.Restore(ctx)
	}

	r.mu.Lock()
	r.roomID = grant.Room.ID
	r.session = sess
	updateHandler := r.updateHandler
	connectHandlers := append([]func(){}, r.connectHandlers...)
	disconnectHandlers := append([]func(string){}, r.disconnectHandlers...)
	r.mu.Unlock()

	sess.OnError(func(jsonMsg string) {
		var detail map[string]interface{}
		if err := json.Unmarshal([]byte(jsonMsg), &detail); err != nil {
			slog.Error("transport error", "room", grant.Room.ID, "raw", jsonMsg)
			return
		}
		slog.Error("transport error", "room", grant.Room.ID, "detail", detail)
	})
	sess.OnConnect(func() {
		// re-advertise the current document so buffered changes are (re)sent,
		// then push anything cached while offline
		r.relay.Notify(r.Doc())
		if _, err := r.Restore(context.Background()); err != nil {
			slog.Error("failed to resync offline cache after connect", "room", grant.Room.ID, "err", err)
		}
	})
	sess.OnDisconnect(func(reason string) {
		if reason == session.ReasonForced {
			slog.Warn("server forced the session closed, check authorization", "room", grant.Room.ID)
		}
	})

	// re-attach every registered handler, whether it was registered before any
	// session existed or carried over from a previous one
	if updateHandler != nil {
		sess.OnRoomMessage(updateHandler)
	}
	for _, fn := range connectHandlers {
		sess.OnConnect(fn)
	}
	for _, fn := range disconnectHandlers {
		sess.OnDisconnect(fn)
	}

	r.relay.SetSender(func(m *relay.Message) error {
		roomID := r.RoomID()
		if roomID == "" {
			return fmt.Errorf("no room identity for an outbound message")
		}
		env := relay.Envelope{}
		env.Meta.RoomID = roomID
		env.Payload.Msg = m.Wire()
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		return sess.Emit(relay.EventRoomMessage, string(raw))
	})
	sess.Start()

	merged, err := r.reconcile(ctx, grant)
	if err != nil {
		// last-resort recovery: reset to an empty document rather than leave
		// the controller in an undefined state
		slog.Error("failed to reconcile with server state, resetting document", "room", grant.Room.ID, "err", err)
		empty, newErr := doc.New(r.ActorID(), nil)
		if newErr != nil {
			return nil, newErr
		}
		r.adopt(empty)
		r.relay.Notify(empty)
		return empty, nil
	}
	return merged, nil
}

// reconcile merges the offline-cached document (the base) with the server's
// authoritative state and adopts the result.
func (r *Room) reconcile(ctx context.Context, grant *Grant) (*doc.Doc, error) {
	offline, err := r.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore offline state: %w", err)
	}
	if len(grant.Room.State) == 0 {
		// a brand new room has no server state to merge
		return offline, nil
	}
	// the server's bytes are not authored by this actor
	server, err := doc.Load(grant.Room.State, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load server state: %w", err)
	}
	merged, err := offline.Merge(server)
	if err != nil {
		return nil, fmt.Errorf("failed to merge offline and server state: %w", err)
	}
	r.adopt(merged)
	r.relay.Notify(merged)
	return merged, nil
}

// PublishDoc applies a local mutation to the current document. The result
// becomes current, is persisted on the debounce schedule, and is announced to
// the relay, which transmits it when a session is online. If the current
// handle was invalidated out-of-band a fresh document is recreated under the
// cached actor identity rather than failing the publish.
func (r *Room) PublishDoc(ctx context.Context, fn func(d *automerge.Doc) error) (*doc.Doc, error) {
	d, err := r.ensureDoc(ctx)
	if err != nil {
		return nil, err
	}
	next, changed, err := d.Change(fn)
	if err != nil {
		return nil, err
	}
	if !changed {
		actorID := r.ActorID()
		if actorID == "" {
			// restore/creation never completed, this is a lifecycle bug
			return nil, fmt.Errorf("cannot recreate document: actor identity was never resolved")
		}
		fresh, err := doc.New(actorID, r.cfg.State)
		if err != nil {
			return nil, err
		}
		next, _, err = fresh.Change(fn)
		if err != nil {
			return nil, err
		}
	}
	r.adopt(next)
	r.saver.Schedule(next.Save())
	r.relay.Notify(next)
	return next, nil
}

// Disconnect tears down the transport session if one exists. Room identity,
// callbacks, and the current document survive so a later call can resume.
func (r *Room) Disconnect() {
	r.mu.Lock()
	sess := r.session
	r.session = nil
	r.mu.Unlock()

	r.relay.ClearSender()
	if sess != nil {
		if err := sess.Close(); err != nil {
			slog.Error("failed to close session", "err", err)
		}
	}
}

// Flush writes any pending snapshot immediately. Intended for shutdown: the
// debounced persistence is best-effort and may otherwise lag.
func (r *Room) Flush() {
	r.saver.Flush()
}

// Doc returns the current document, which may be nil before the first
// restore/init/publish completes.
func (r *Room) Doc() *doc.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ActorID returns the resolved actor identity, or "" before resolution.
func (r *Room) ActorID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actorID
}

// RoomID returns the server-issued room identity, or "" while offline.
func (r *Room) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

func (r *Room) adopt(d *doc.Doc) {
	r.mu.Lock()
	r.current = d
	r.mu.Unlock()
}

func (r *Room) persist(raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cfg.Store.SetDoc(ctx, r.cfg.Reference, DocName, raw); err != nil {
		slog.Error("failed to persist document snapshot", "reference", r.cfg.Reference, "err", err)
	}
}
