package monitor

import (
	"fmt"

	"github.com/bobuhiro11/xenmon/vmevent"
)

// Handler handles one request. rsp arrives with the envelope already
// filled in; the handler adds reason-specific flags and payload. A non-nil
// error aborts the session and rsp is not sent.
type Handler func(req *vmevent.Event, rsp *vmevent.Event) error

// Registry maps event reasons to handlers. It is filled before dispatch
// starts and is read-only afterwards.
type Registry struct {
	handlers [vmevent.NumReasons]Handler
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs h for r.
func (r *Registry) Register(reason vmevent.Reason, h Handler) error {
	if r.sealed {
		return fmt.Errorf("register %s: %w", reason, ErrSealed)
	}

	if !reason.Valid() {
		return fmt.Errorf("register %s: unknown reason: %w", reason, ErrInvalidHandler)
	}

	if h == nil {
		return fmt.Errorf("register %s: nil handler: %w", reason, ErrInvalidHandler)
	}

	if r.handlers[reason] != nil {
		return fmt.Errorf("register %s: already registered: %w", reason, ErrInvalidHandler)
	}

	r.handlers[reason] = h

	return nil
}

// Lookup returns the handler for reason, if any.
func (r *Registry) Lookup(reason vmevent.Reason) (Handler, bool) {
	if !reason.Valid() {
		return nil, false
	}

	h := r.handlers[reason]

	return h, h != nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() { r.sealed = true }

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool { return r.sealed }

// Reasons lists the reasons that have a handler, in ascending order.
func (r *Registry) Reasons() []vmevent.Reason {
	var out []vmevent.Reason

	for i, h := range r.handlers {
		if h != nil {
			out = append(out, vmevent.Reason(i))
		}
	}

	return out
}
