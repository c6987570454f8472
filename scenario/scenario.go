// Package scenario holds the monitoring tests a session can run against a
// guest.
package scenario

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/xen"
)

// ErrNoAddress is returned when a scenario that needs a guest address was
// given none.
var ErrNoAddress = errors.New("no guest address given")

// base carries the undo stack every scenario unwinds in Cleanup.
type base struct {
	undo []func() error
}

func (b *base) onCleanup(f func() error) {
	b.undo = append(b.undo, f)
}

// cleanup runs the undo steps newest first and keeps going past failures.
func (b *base) cleanup() error {
	var errs []error

	for i := len(b.undo) - 1; i >= 0; i-- {
		errs = append(errs, b.undo[i]())
	}

	b.undo = nil

	return errors.Join(errs...)
}

// frame translates va through VCPU 0 and checks the result is a real
// guest frame.
func frame(ctrl monitor.Control, va uint64) (uint64, error) {
	gfn, err := ctrl.TranslateForeignAddress(0, va)
	if err != nil {
		return 0, fmt.Errorf("translate %#x: %w", va, err)
	}

	maxGFN, err := ctrl.MaximumGPFN()
	if err != nil {
		return 0, fmt.Errorf("query guest size: %w", err)
	}

	if gfn > maxGFN {
		return 0, fmt.Errorf("%#x translates to frame %#x beyond %#x", va, gfn, maxGFN)
	}

	return gfn, nil
}

// accessRequired makes the guest wait for a listener on every trapped
// access while the scenario runs.
func (b *base) accessRequired(ctrl monitor.Control) error {
	if err := ctrl.SetAccessRequired(true); err != nil {
		return fmt.Errorf("require mem_access listener: %w", err)
	}

	b.onCleanup(func() error { return ctrl.SetAccessRequired(false) })

	return nil
}

// altView enables alternate views and creates one whose pages default to
// full access.
func (b *base) altView(ctrl monitor.Control) (uint16, error) {
	if err := ctrl.AltP2MSetDomainState(true); err != nil {
		return 0, fmt.Errorf("enable altp2m: %w", err)
	}

	b.onCleanup(func() error { return ctrl.AltP2MSetDomainState(false) })

	view, err := ctrl.AltP2MCreateView(xen.AccessRWX)
	if err != nil {
		return 0, fmt.Errorf("create altp2m view: %w", err)
	}

	b.onCleanup(func() error { return ctrl.AltP2MDestroyView(view) })

	return view, nil
}

// switchView moves every VCPU to view and back to the host view on
// cleanup.
func (b *base) switchView(ctrl monitor.Control, view uint16) error {
	if err := ctrl.AltP2MSwitchToView(view); err != nil {
		return fmt.Errorf("switch to view %d: %w", view, err)
	}

	b.onCleanup(func() error { return ctrl.AltP2MSwitchToView(0) })

	return nil
}
