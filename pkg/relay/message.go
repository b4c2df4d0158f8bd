package relay

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EventRoomMessage is the room-scoped application event on the transport.
const EventRoomMessage = "room:message"

// Envelope wraps a protocol message with the room identity it is addressed to.
// One transport connection may carry envelopes for many rooms; receivers filter
// on Meta.RoomID.
type Envelope struct {
	Meta    EnvelopeMeta    `json:"meta"`
	Payload EnvelopePayload `json:"payload"`
}

type EnvelopeMeta struct {
	RoomID string `json:"roomId"`
}

type EnvelopePayload struct {
	Msg *WireMessage `json:"msg,omitempty"`
}

// WireMessage is the transmissible form of a protocol message. The causal
// clock is flattened to a plain list of [actor, seq] pairs and must be rebuilt
// into a key-ordered Clock before the relay will accept the message.
type WireMessage struct {
	Clock []ClockEntry `json:"clock"`
	Data  []byte       `json:"data"`
}

// Message converts the wire form into a decoded message with its clock
// reconstructed as a key-ordered mapping.
func (w *WireMessage) Message() *Message {
	return &Message{Clock: RebuildClock(w.Clock), Data: w.Data}
}

// Message is a decoded protocol message ready to be handed to the relay.
type Message struct {
	Clock Clock
	Data  []byte
}

// Wire flattens the message back into its transmissible form.
func (m *Message) Wire() *WireMessage {
	return &WireMessage{Clock: m.Clock.Entries(), Data: m.Data}
}

// ClockEntry is one [actor, seq] pair as it appears on the wire.
type ClockEntry struct {
	Actor string
	Seq   uint64
}

func (e ClockEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.Actor, e.Seq})
}

func (e *ClockEntry) UnmarshalJSON(raw []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return fmt.Errorf("failed to decode clock pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("expected a clock pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Actor); err != nil {
		return fmt.Errorf("failed to decode clock actor: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Seq); err != nil {
		return fmt.Errorf("failed to decode clock seq: %w", err)
	}
	return nil
}

// Clock is the causal clock of a message keyed by actor.
type Clock map[string]uint64

// RebuildClock converts the wire pair list into a Clock. Duplicate actors keep
// the highest sequence.
func RebuildClock(entries []ClockEntry) Clock {
	c := make(Clock, len(entries))
	for _, e := range entries {
		if e.Seq > c[e.Actor] {
			c[e.Actor] = e.Seq
		}
	}
	return c
}

// Actors returns the clock's actors in key order.
func (c Clock) Actors() []string {
	actors := make([]string, 0, len(c))
	for actor := range c {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// Entries flattens the clock into key-ordered wire pairs.
func (c Clock) Entries() []ClockEntry {
	entries := make([]ClockEntry, 0, len(c))
	for _, actor := range c.Actors() {
		entries = append(entries, ClockEntry{Actor: actor, Seq: c[actor]})
	}
	return entries
}
