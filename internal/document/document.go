package document

import (
	"errors"
	"sync"
)

var (
	// ErrInvalidUpdate indicates that an update payload is empty or malformed.
	ErrInvalidUpdate = errors.New("document: invalid update")
	// ErrHookAttached indicates that a change hook has already been attached.
	ErrHookAttached = errors.New("document: change hook already attached")
)

// CRDT is the boundary to the external conflict-free document library.
//
// Implementations must be safe for concurrent use and must apply updates
// idempotently: applying an update whose effects are already contained in
// the document must not change state and must not fire the change hook. The
// change hook, once attached, is invoked with the encoded delta for every
// state-changing apply, and must be called without any internal lock held so
// the hook may itself read the document.
type CRDT interface {
	Apply(update []byte) error
	Encode() []byte
	OnChange(hook func(update []byte))
}

// Factory constructs a fresh, empty CRDT document.
type Factory func() CRDT

// Runtime wraps one CRDT instance for one room on one connection. It keeps
// the change hook detached until hydration has completed so that replaying
// history never re-triggers persistence.
type Runtime struct {
	doc CRDT

	mu     sync.Mutex
	hooked bool
}

// NewRuntime wraps the provided document.
func NewRuntime(doc CRDT) *Runtime {
	return &Runtime{doc: doc}
}

// ApplyUpdate feeds one opaque update payload into the document.
func (r *Runtime) ApplyUpdate(payload []byte) error {
	if len(payload) == 0 {
		return ErrInvalidUpdate
	}
	return r.doc.Apply(payload)
}

// EncodeState returns the full encoded document state.
func (r *Runtime) EncodeState() []byte {
	return r.doc.Encode()
}

// AttachOnChange installs the change hook. It may be called at most once,
// and only after hydration has finished.
func (r *Runtime) AttachOnChange(hook func(update []byte)) error {
	if hook == nil {
		return ErrInvalidUpdate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hooked {
		return ErrHookAttached
	}
	r.hooked = true
	r.doc.OnChange(hook)
	return nil
}

// Hooked reports whether a change hook has been attached.
func (r *Runtime) Hooked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hooked
}
