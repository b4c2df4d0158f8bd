package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/happylinks/browser/pkg/doc"
	"github.com/happylinks/browser/pkg/relay"
)

// OnUpdateDoc registers the update callback, invoked with the new read-only
// document after each applied room message. Exactly one update callback may
// exist per controller: a second registration is a programming error and
// fails immediately. The handler outlives any single session: it is attached
// to the live session if one exists and re-attached on every session created
// after that, so a disconnect/reconnect cycle resumes delivery.
func (r *Room) OnUpdateDoc(cb func(d *doc.Doc)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateHandler != nil {
		return fmt.Errorf("an update callback is already registered")
	}
	r.updateHandler = r.roomMessageHandler(cb)
	if r.session != nil {
		r.session.OnRoomMessage(r.updateHandler)
	}
	return nil
}

// OnConnect registers a connect callback. It is attached to the live session
// if one exists and re-attached on every later session.
func (r *Room) OnConnect(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectHandlers = append(r.connectHandlers, cb)
	if r.session != nil {
		r.session.OnConnect(cb)
	}
}

// OnDisconnect registers a disconnect callback. It is attached to the live
// session if one exists and re-attached on every later session.
func (r *Room) OnDisconnect(cb func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectHandlers = append(r.disconnectHandlers, cb)
	if r.session != nil {
		r.session.OnDisconnect(cb)
	}
}

// roomMessageHandler builds the handler invoked once per inbound protocol
// message. Wrong-room envelopes are discarded silently because the transport
// is shared across rooms; every other failure is an error the session read
// loop reports.
func (r *Room) roomMessageHandler(cb func(d *doc.Doc)) func(data string) error {
	return func(data string) error {
		var env relay.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return fmt.Errorf("failed to decode room envelope: %w", err)
		}

		roomID := r.RoomID()
		if roomID == "" {
			return fmt.Errorf("received a room message before a room identity was established")
		}
		if env.Meta.RoomID != roomID {
			return nil
		}
		if env.Payload.Msg == nil {
			return fmt.Errorf("room %s sent an envelope without a message payload", roomID)
		}

		d, err := r.ensureDoc(context.Background())
		if err != nil {
			return err
		}

		// the clock arrives as a plain pair list and must be rebuilt as a
		// key-ordered mapping before the relay will take it
		msg := env.Payload.Msg.Message()
		applied, err := r.relay.ApplyMessage(msg, d)
		if err != nil {
			if errors.Is(err, relay.ErrRejected) {
				// do not persist: that would bake the corruption into the
				// offline cache
				return fmt.Errorf("room %s rejected payload %q: %w", roomID, data, err)
			}
			return err
		}

		r.adopt(applied)
		r.saver.Schedule(applied.Save())
		if cb != nil {
			cb(applied)
		}
		return nil
	}
}
