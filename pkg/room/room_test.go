package room_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"

	"github.com/happylinks/browser/pkg/doc"
	"github.com/happylinks/browser/pkg/relay"
	"github.com/happylinks/browser/pkg/room"
)

// memStore is an in-memory stand-in for the sqlite offline cache.
type memStore struct {
	mu     sync.Mutex
	actor  string
	docs   map[string][]byte
	writes int
}

func newMemStore() *memStore {
	return &memStore{docs: map[string][]byte{}}
}

func (s *memStore) GetOrCreateActor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actor == "" {
		s.actor = "feedf00d01020304"
	}
	return s.actor, nil
}

func (s *memStore) GetDoc(ctx context.Context, reference, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.docs[reference+"/"+name]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, raw...), nil
}

func (s *memStore) SetDoc(ctx context.Context, reference, name string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.docs[reference+"/"+name] = append([]byte{}, raw...)
	return nil
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStore) snapshot(reference, name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[reference+"/"+name]
}

// fakeSession records handlers and emitted frames so tests can drive the
// transport by hand.
type fakeSession struct {
	mu         sync.Mutex
	url, token string
	started    bool
	closed     bool
	connect    []func()
	disconnect []func(string)
	errs       []func(string)
	roomMsg    []func(string) error
	emitted    []string
}

func (f *fakeSession) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connect = append(f.connect, fn)
}

func (f *fakeSession) OnDisconnect(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = append(f.disconnect, fn)
}

func (f *fakeSession) OnError(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, fn)
}

func (f *fakeSession) OnRoomMessage(fn func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomMsg = append(f.roomMsg, fn)
}

func (f *fakeSession) Emit(event string, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event == relay.EventRoomMessage {
		f.emitted = append(f.emitted, data)
	}
	return nil
}

func (f *fakeSession) Start() {
	f.mu.Lock()
	f.started = true
	handlers := append([]func(){}, f.connect...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) inject(t *testing.T, data string) error {
	t.Helper()
	f.mu.Lock()
	handlers := append([]func(string) error{}, f.roomMsg...)
	f.mu.Unlock()
	if len(handlers) != 1 {
		t.Fatalf("expected exactly one room message handler, got %d", len(handlers))
	}
	return handlers[0](data)
}

func (f *fakeSession) drainEmitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.emitted
	f.emitted = nil
	return out
}

func dialTo(f *fakeSession) room.DialFunc {
	return func(ctx context.Context, rawURL string, token string) (room.Session, error) {
		f.url = rawURL
		f.token = token
		return f, nil
	}
}

// authServer serves the authorize endpoint with a fixed grant.
func authServer(t *testing.T, calls *int32, status int, grant map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		atomic.AddInt32(calls, 1)
		if request.URL.Path != "/authorize" || request.Method != http.MethodPost {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		if status != http.StatusOK {
			writer.WriteHeader(status)
			return
		}
		if err := json.NewEncoder(writer).Encode(grant); err != nil {
			t.Errorf("failed to encode grant: %v", err)
		}
	}))
}

func grantFor(roomID string, state []byte) map[string]interface{} {
	return map[string]interface{}{
		"room":    map[string]interface{}{"id": roomID, "state": state},
		"session": map[string]interface{}{"token": "t"},
	}
}

func countOf(t *testing.T, d *doc.Doc) int64 {
	t.Helper()
	v, err := d.Unwrap().Path("count").Get()
	if err != nil {
		t.Fatalf("failed to read count: %v", err)
	}
	switch x := v.Interface().(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		t.Fatalf("count has unexpected value %#v", v.Interface())
		return 0
	}
}

func setCount(value int) func(*automerge.Doc) error {
	return func(am *automerge.Doc) error {
		return am.Path("count").Set(value)
	}
}

func TestRestoreWithoutSnapshotReturnsInMemoryDoc(t *testing.T) {
	r := room.New(room.Config{Reference: "room1", Store: newMemStore()})
	ctx := context.Background()

	first, err := r.Restore(ctx)
	assert.Equal(t, err, nil)
	second, err := r.Restore(ctx)
	assert.Equal(t, err, nil)
	if first != second {
		t.Fatal("expected the in-memory document back unchanged")
	}
}

func TestRestoreAdoptsCachedSnapshot(t *testing.T) {
	st := newMemStore()
	cached, err := doc.New("feedf00d01020304", map[string]interface{}{"count": 7})
	assert.Equal(t, err, nil)
	assert.Equal(t, st.SetDoc(context.Background(), "room1", room.DocName, cached.Save()), nil)

	r := room.New(room.Config{Reference: "room1", Store: st})
	restored, err := r.Restore(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(7), countOf(t, restored))
	assert.Equal(t, "feedf00d01020304", restored.Unwrap().ActorID())
}

func TestInitWithFailingAuthorizationStaysOffline(t *testing.T) {
	var calls int32
	srv := authServer(t, &calls, http.StatusInternalServerError, nil)
	defer srv.Close()

	r := room.New(room.Config{
		URL:       srv.URL,
		Reference: "room1",
		Store:     newMemStore(),
		Dial: func(ctx context.Context, rawURL string, token string) (room.Session, error) {
			t.Fatal("dial must not be reached when authorization fails")
			return nil, nil
		},
	})
	d, err := r.Init(context.Background())
	assert.Equal(t, err, nil)
	if d == nil {
		t.Fatal("expected a document back")
	}
	assert.Equal(t, "", r.RoomID())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// The spec scenario: an offline publish must survive the merge with a stale
// server snapshot once the controller goes online.
func TestInitMergesOfflineEditsOverServerState(t *testing.T) {
	serverDoc, err := doc.New("beefbeef00000001", map[string]interface{}{"count": 0})
	assert.Equal(t, err, nil)

	var calls int32
	srv := authServer(t, &calls, http.StatusOK, grantFor("r1", serverDoc.Save()))
	defer srv.Close()

	st := newMemStore()
	fake := &fakeSession{}
	r := room.New(room.Config{
		URL:       srv.URL,
		Reference: "room1",
		State:     map[string]interface{}{"count": 0},
		Store:     st,
		Dial:      dialTo(fake),
	})

	published, err := r.PublishDoc(context.Background(), setCount(1))
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), countOf(t, published))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls)) // publish is purely local
	r.Flush()

	final, err := r.Init(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), countOf(t, final))
	assert.Equal(t, "r1", r.RoomID())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, true, fake.started)
	assert.Equal(t, "t", fake.token)
	assert.MatchRegex(t, fake.url, `^ws://.*/rooms/r1/socket$`)
}

func TestInitResetsOnCorruptServerState(t *testing.T) {
	var calls int32
	srv := authServer(t, &calls, http.StatusOK, grantFor("r1", []byte("definitely not a document")))
	defer srv.Close()

	st := newMemStore()
	fake := &fakeSession{}
	r := room.New(room.Config{URL: srv.URL, Reference: "room1", Store: st, Dial: dialTo(fake)})

	if _, err := r.PublishDoc(context.Background(), setCount(1)); err != nil {
		t.Fatal(err)
	}
	r.Flush()

	d, err := r.Init(context.Background())
	assert.Equal(t, err, nil)
	v, err := d.Unwrap().Path("count").Get()
	assert.Equal(t, err, nil)
	if v.Interface() != nil {
		t.Fatalf("expected an empty reset document, found count=%#v", v.Interface())
	}
}

func TestOnUpdateDocDoubleRegistrationFails(t *testing.T) {
	r := room.New(room.Config{Reference: "room1", Store: newMemStore()})
	assert.Equal(t, r.OnUpdateDoc(func(d *doc.Doc) {}), nil)
	if err := r.OnUpdateDoc(func(d *doc.Doc) {}); err == nil {
		t.Fatal("expected the second registration to fail")
	}
}

func initOnline(t *testing.T, st *memStore, updates *int32) (*room.Room, *fakeSession) {
	t.Helper()
	serverDoc, err := doc.New("beefbeef00000001", nil)
	assert.Equal(t, err, nil)
	var calls int32
	srv := authServer(t, &calls, http.StatusOK, grantFor("r1", serverDoc.Save()))
	t.Cleanup(srv.Close)

	fake := &fakeSession{}
	r := room.New(room.Config{
		URL:          srv.URL,
		Reference:    "room1",
		Store:        st,
		Dial:         dialTo(fake),
		SaveInterval: 10 * time.Millisecond,
	})
	// registered before a session exists, so it is attached via the pending slot
	assert.Equal(t, r.OnUpdateDoc(func(d *doc.Doc) {
		atomic.AddInt32(updates, 1)
	}), nil)

	if _, err := r.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r, fake
}

func TestWrongRoomMessagesAreIgnored(t *testing.T) {
	st := newMemStore()
	var updates int32
	r, fake := initOnline(t, st, &updates)

	env := relay.Envelope{}
	env.Meta.RoomID = "someone-elses-room"
	raw, err := json.Marshal(env)
	assert.Equal(t, err, nil)

	before := st.writeCount()
	assert.Equal(t, fake.inject(t, string(raw)), nil)
	assert.Equal(t, int32(0), atomic.LoadInt32(&updates))
	assert.Equal(t, before, st.writeCount())
	assert.Equal(t, "r1", r.RoomID())
}

func TestMissingMessagePayloadIsFatal(t *testing.T) {
	st := newMemStore()
	var updates int32
	_, fake := initOnline(t, st, &updates)

	env := relay.Envelope{}
	env.Meta.RoomID = "r1"
	raw, err := json.Marshal(env)
	assert.Equal(t, err, nil)

	before := st.writeCount()
	if err := fake.inject(t, string(raw)); err == nil {
		t.Fatal("expected a missing payload to be fatal")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&updates))
	assert.Equal(t, before, st.writeCount())
}

func TestRejectedMessagesAreNotPersisted(t *testing.T) {
	st := newMemStore()
	var updates int32
	_, fake := initOnline(t, st, &updates)

	env := relay.Envelope{}
	env.Meta.RoomID = "r1"
	env.Payload.Msg = &relay.WireMessage{Data: []byte("garbage")}
	raw, err := json.Marshal(env)
	assert.Equal(t, err, nil)

	before := st.writeCount()
	if err := fake.inject(t, string(raw)); err == nil {
		t.Fatal("expected an unprocessable message to be fatal")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&updates))
	assert.Equal(t, before, st.writeCount())
}

// Drives a full message exchange between the controller and a peer relay and
// expects the peer's edit to land in the controller's document, its cache, and
// its update callback.
func TestInboundMessagesUpdateDocument(t *testing.T) {
	st := newMemStore()
	var updates int32
	r, fake := initOnline(t, st, &updates)

	peer, err := doc.New("cafecafe00000001", nil)
	assert.Equal(t, err, nil)
	peerRelay := relay.New()
	var toController []string
	peerRelay.SetSender(func(m *relay.Message) error {
		env := relay.Envelope{}
		env.Meta.RoomID = "r1"
		env.Payload.Msg = m.Wire()
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		toController = append(toController, string(raw))
		return nil
	})

	peer, _, err = peer.Change(func(am *automerge.Doc) error {
		return am.Path("from-peer").Set("hello")
	})
	assert.Equal(t, err, nil)
	peerRelay.Notify(peer)

	for round := 0; round < 20; round++ {
		batch := toController
		toController = nil
		for _, data := range batch {
			if err := fake.inject(t, data); err != nil {
				t.Fatal(err)
			}
		}
		outbound := fake.drainEmitted()
		if len(batch) == 0 && len(outbound) == 0 {
			break
		}
		for _, data := range outbound {
			var env relay.Envelope
			assert.Equal(t, json.Unmarshal([]byte(data), &env), nil)
			assert.Equal(t, "r1", env.Meta.RoomID)
			if env.Payload.Msg == nil {
				continue
			}
			peer, err = peerRelay.ApplyMessage(env.Payload.Msg.Message(), peer)
			assert.Equal(t, err, nil)
		}
	}

	v, err := r.Doc().Unwrap().Path("from-peer").Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, "hello", v.Interface())
	if atomic.LoadInt32(&updates) == 0 {
		t.Fatal("expected the update callback to fire")
	}

	r.Flush()
	raw := st.snapshot("room1", room.DocName)
	if raw == nil {
		t.Fatal("expected the applied state to be cached")
	}
	cached, err := doc.Load(raw, "")
	assert.Equal(t, err, nil)
	v, err = cached.Unwrap().Path("from-peer").Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, "hello", v.Interface())
}

func TestPublishAfterInvalidationRecreatesUnderCachedActor(t *testing.T) {
	st := newMemStore()
	r := room.New(room.Config{Reference: "room1", Store: st})
	ctx := context.Background()

	if _, err := r.PublishDoc(ctx, setCount(1)); err != nil {
		t.Fatal(err)
	}
	r.Doc().Invalidate()

	d, err := r.PublishDoc(ctx, setCount(5))
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(5), countOf(t, d))
	assert.Equal(t, "feedf00d01020304", d.ActorID())
}

func TestDebouncedPersistenceCoalesces(t *testing.T) {
	st := newMemStore()
	r := room.New(room.Config{
		Reference:    "room1",
		Store:        st,
		SaveInterval: 40 * time.Millisecond,
	})
	ctx := context.Background()

	var last *doc.Doc
	for i := 1; i <= 5; i++ {
		d, err := r.PublishDoc(ctx, setCount(i))
		assert.Equal(t, err, nil)
		last = d
	}

	deadline := time.Now().Add(2 * time.Second)
	for st.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// allow a second write to surface if the debounce failed to coalesce
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, st.writeCount())

	cached, err := doc.Load(st.snapshot("room1", room.DocName), "")
	assert.Equal(t, err, nil)
	assert.Equal(t, countOf(t, last), countOf(t, cached))
}

func TestDisconnectKeepsStateForResume(t *testing.T) {
	st := newMemStore()
	var updates int32
	r, fake := initOnline(t, st, &updates)

	r.Disconnect()
	assert.Equal(t, true, fake.closed)
	assert.Equal(t, "r1", r.RoomID())
	if r.Doc() == nil {
		t.Fatal("expected the document to survive a disconnect")
	}
}

// A disconnect and a second Init must re-attach every registered callback to
// the new session: inbound messages on the resumed session still reach the
// update callback.
func TestInitAfterDisconnectReattachesCallbacks(t *testing.T) {
	serverDoc, err := doc.New("beefbeef00000001", nil)
	assert.Equal(t, err, nil)
	var calls int32
	srv := authServer(t, &calls, http.StatusOK, grantFor("r1", serverDoc.Save()))
	defer srv.Close()

	var sessions []*fakeSession
	r := room.New(room.Config{
		URL:       srv.URL,
		Reference: "room1",
		Store:     newMemStore(),
		Dial: func(ctx context.Context, rawURL string, token string) (room.Session, error) {
			f := &fakeSession{url: rawURL, token: token}
			sessions = append(sessions, f)
			return f, nil
		},
	})
	var updates int32
	assert.Equal(t, r.OnUpdateDoc(func(d *doc.Doc) {
		atomic.AddInt32(&updates, 1)
	}), nil)

	if _, err := r.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Disconnect()
	if _, err := r.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 2, len(sessions))
	resumed := sessions[1]

	peer, err := doc.New("cafecafe00000001", nil)
	assert.Equal(t, err, nil)
	peerRelay := relay.New()
	var toController []string
	peerRelay.SetSender(func(m *relay.Message) error {
		env := relay.Envelope{}
		env.Meta.RoomID = "r1"
		env.Payload.Msg = m.Wire()
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		toController = append(toController, string(raw))
		return nil
	})
	peer, _, err = peer.Change(func(am *automerge.Doc) error {
		return am.Path("resumed").Set("yes")
	})
	assert.Equal(t, err, nil)
	peerRelay.Notify(peer)

	for round := 0; round < 20; round++ {
		batch := toController
		toController = nil
		for _, data := range batch {
			if err := resumed.inject(t, data); err != nil {
				t.Fatal(err)
			}
		}
		outbound := resumed.drainEmitted()
		if len(batch) == 0 && len(outbound) == 0 {
			break
		}
		for _, data := range outbound {
			var env relay.Envelope
			assert.Equal(t, json.Unmarshal([]byte(data), &env), nil)
			if env.Payload.Msg == nil {
				continue
			}
			peer, err = peerRelay.ApplyMessage(env.Payload.Msg.Message(), peer)
			assert.Equal(t, err, nil)
		}
	}

	v, err := r.Doc().Unwrap().Path("resumed").Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, "yes", v.Interface())
	if atomic.LoadInt32(&updates) == 0 {
		t.Fatal("expected the update callback to fire on the resumed session")
	}
}
