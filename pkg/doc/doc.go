// Package doc wraps an automerge document together with the actor identity
// that authors its local edits. A Doc is a handle over one version of the
// document: every successful mutation returns a new handle, and the owner is
// expected to hold exactly one current handle at a time.
package doc

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

type Doc struct {
	am      *automerge.Doc
	actorID string
}

// New creates a fresh document authored by the given hex actor id, seeded with
// the optional initial key/value state.
func New(actorID string, seed map[string]interface{}) (*Doc, error) {
	am := automerge.New()
	if actorID != "" {
		if err := am.SetActorID(actorID); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	for key, value := range seed {
		if err := am.Path(key).Set(value); err != nil {
			return nil, fmt.Errorf("failed to seed %q: %w", key, err)
		}
	}
	if _, err := am.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit seed state: %w", err)
	}
	return &Doc{am: am, actorID: actorID}, nil
}

// Load deserializes a saved document. An empty actorID means the bytes were
// not authored by this installation and the embedded actor is left as-is.
func Load(raw []byte, actorID string) (*Doc, error) {
	am, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if actorID != "" {
		if err := am.SetActorID(actorID); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	return &Doc{am: am, actorID: actorID}, nil
}

// Change applies a local mutation and commits it, returning the next handle.
// When the handle has been invalidated out-of-band the mutation is not applied
// and changed is false; the caller decides whether to recreate the document.
func (d *Doc) Change(fn func(*automerge.Doc) error) (*Doc, bool, error) {
	if d == nil || d.am == nil {
		return d, false, nil
	}
	if err := fn(d.am); err != nil {
		return nil, false, fmt.Errorf("failed to apply change: %w", err)
	}
	if _, err := d.am.Commit("change", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, false, fmt.Errorf("failed to commit change: %w", err)
	}
	return &Doc{am: d.am, actorID: d.actorID}, true, nil
}

// Merge merges the other document's causal history into this one and returns
// the next handle. Merging into an invalidated handle is an error.
func (d *Doc) Merge(other *Doc) (*Doc, error) {
	if d == nil || d.am == nil {
		return nil, fmt.Errorf("cannot merge into an invalidated document")
	}
	if _, err := d.am.Merge(other.am); err != nil {
		return nil, fmt.Errorf("failed to merge docs: %w", err)
	}
	return &Doc{am: d.am, actorID: d.actorID}, nil
}

// Save serializes the full document.
func (d *Doc) Save() []byte {
	return d.am.Save()
}

// Invalidate severs the handle from its underlying document. Subsequent Change
// calls report the unchanged sentinel.
func (d *Doc) Invalidate() {
	d.am = nil
}

func (d *Doc) ActorID() string {
	return d.actorID
}

// Heads returns the current version hashes, or nil for an invalidated handle.
func (d *Doc) Heads() []automerge.ChangeHash {
	if d == nil || d.am == nil {
		return nil
	}
	return d.am.Heads()
}

// Unwrap exposes the underlying automerge document for reads and for the sync
// relay's state binding.
func (d *Doc) Unwrap() *automerge.Doc {
	return d.am
}
