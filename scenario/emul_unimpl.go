package scenario

import (
	"fmt"

	"github.com/bobuhiro11/xenmon/intercept"
	"github.com/bobuhiro11/xenmon/monitor"
)

// EmulUnimpl intercepts the instruction at Address on every approach by
// driving it through a failed emulation and a single step.
type EmulUnimpl struct {
	base

	Address uint64

	set *intercept.Set
}

func NewEmulUnimpl(addr uint64) *EmulUnimpl {
	return &EmulUnimpl{Address: addr}
}

func (e *EmulUnimpl) Name() string { return "emul-unimpl" }

func (e *EmulUnimpl) Init(s *monitor.Session) error {
	if e.Address == 0 {
		return ErrNoAddress
	}

	ctrl := s.Control()

	if err := e.accessRequired(ctrl); err != nil {
		return err
	}

	if err := ctrl.MonitorEmulUnimplemented(true); err != nil {
		return fmt.Errorf("enable emulation failure events: %w", err)
	}

	e.onCleanup(func() error { return ctrl.MonitorEmulUnimplemented(false) })

	view, err := e.altView(ctrl)
	if err != nil {
		return err
	}

	set := intercept.NewSet(ctrl, view, s.Logger().Named("intercept"))
	e.onCleanup(set.Close)

	if _, err := set.Add(e.Address); err != nil {
		return err
	}

	if err := e.switchView(ctrl, view); err != nil {
		return err
	}

	if err := ctrl.MonitorSingleStep(true); err != nil {
		return fmt.Errorf("enable single step events: %w", err)
	}

	e.onCleanup(func() error { return ctrl.MonitorSingleStep(false) })

	e.set = set

	return set.Register(s.Registry())
}

// Cleanup unwinds Init in reverse. Patched bytes are put back before the
// alternate view is destroyed.
func (e *EmulUnimpl) Cleanup(*monitor.Session) error { return e.cleanup() }

// Result is a success once the instruction was intercepted at least once.
func (e *EmulUnimpl) Result() monitor.Status {
	if e.set == nil || e.set.Laps() == 0 {
		return monitor.StatusFailure
	}

	return monitor.StatusSuccess
}

// Laps counts completed interceptions.
func (e *EmulUnimpl) Laps() int {
	if e.set == nil {
		return 0
	}

	return e.set.Laps()
}
