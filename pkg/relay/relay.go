// Package relay translates between local document mutations and transmissible
// protocol messages. It owns the automerge sync state for the current document
// and, when a sender is attached, emits outbound messages on every
// notification.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/happylinks/browser/pkg/doc"
)

// ErrRejected marks an inbound message the document rejected as unprocessable.
// Callers must not persist the document state after a rejection.
var ErrRejected = errors.New("message rejected")

type Relay struct {
	mu    sync.Mutex
	state *automerge.SyncState
	bound *automerge.Doc
	send  func(*Message) error
}

func New() *Relay {
	return &Relay{}
}

// SetSender attaches the outbound path. The relay transmits on every
// notification while a sender is attached.
func (r *Relay) SetSender(send func(*Message) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send = send
}

// ClearSender detaches the outbound path; notifications become local-only.
func (r *Relay) ClearSender() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send = nil
}

// Notify tells the relay the current document was replaced or mutated. The
// sync state is rebound when the underlying document changed, and any
// generated messages are sent if a sender is attached.
func (r *Relay) Notify(d *doc.Doc) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebind(d)
	r.pump()
}

// ApplyMessage applies an inbound protocol message to the document. A message
// the document cannot process yields an error wrapping ErrRejected; the
// document is unchanged in that case. On success any generated replies are
// sent and the next document handle is returned.
func (r *Relay) ApplyMessage(m *Message, d *doc.Doc) (*doc.Doc, error) {
	if m == nil || len(m.Data) == 0 {
		return nil, fmt.Errorf("%w: empty message data", ErrRejected)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebind(d)
	if _, err := r.state.ReceiveMessage(m.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	r.pump()
	return d, nil
}

// rebind resets the sync state when the underlying document was swapped out,
// e.g. after a restore or merge. A fresh state re-advertises the full document
// so a peer catches up on anything created while offline.
func (r *Relay) rebind(d *doc.Doc) {
	am := d.Unwrap()
	if r.state == nil || r.bound != am {
		r.state = automerge.NewSyncState(am)
		r.bound = am
	}
}

// pump drains generated sync messages into the sender. Callers hold r.mu.
func (r *Relay) pump() {
	if r.send == nil || r.state == nil {
		return
	}
	for {
		msg, valid := r.state.GenerateMessage()
		if !valid {
			return
		}
		out := &Message{Clock: clockOf(msg.Changes()), Data: msg.Bytes()}
		if err := r.send(out); err != nil {
			slog.Error("failed to send sync message", "err", err)
			return
		}
	}
}

// clockOf summarizes the changes carried by a message as an actor clock.
func clockOf(changes []*automerge.Change) Clock {
	c := make(Clock, len(changes))
	for _, change := range changes {
		if seq := change.ActorSeq(); seq > c[change.ActorID()] {
			c[change.ActorID()] = seq
		}
	}
	return c
}
