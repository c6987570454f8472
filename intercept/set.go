package intercept

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/vmevent"
	"go.uber.org/zap"
)

// Set is a group of intercepts sharing one restricted view. It routes
// memory access events by frame and the follow-up events by the VCPU that
// owns an intercept.
type Set struct {
	ctrl monitor.Control
	view uint16
	log  *zap.Logger

	list    []*Intercept
	byFrame map[uint64]*Intercept
	byOwner map[uint32]*Intercept
}

func NewSet(ctrl monitor.Control, view uint16, log *zap.Logger) *Set {
	if log == nil {
		log = zap.NewNop()
	}

	return &Set{
		ctrl:    ctrl,
		view:    view,
		log:     log,
		byFrame: map[uint64]*Intercept{},
		byOwner: map[uint32]*Intercept{},
	}
}

// Add arms an intercept for addr. Only one intercept may live on a frame.
func (s *Set) Add(addr uint64) (*Intercept, error) {
	ic := New(s.ctrl, addr, s.view, s.log)
	if err := ic.Arm(); err != nil {
		return nil, err
	}

	if other, ok := s.byFrame[ic.Frame()]; ok {
		_ = ic.Close()

		return nil, fmt.Errorf("%#x shares frame %#x with %#x", addr, ic.Frame(), other.Address())
	}

	s.list = append(s.list, ic)
	s.byFrame[ic.Frame()] = ic

	return ic, nil
}

// Intercepts returns the armed intercepts in the order they were added.
func (s *Set) Intercepts() []*Intercept { return s.list }

// Register installs the set's handlers.
func (s *Set) Register(r *monitor.Registry) error {
	return errors.Join(
		r.Register(vmevent.ReasonMemAccess, s.onMemAccess),
		r.Register(vmevent.ReasonEmulUnimplemented, s.onEmulUnimplemented),
		r.Register(vmevent.ReasonSingleStep, s.onSingleStep),
	)
}

func (s *Set) onMemAccess(req, rsp *vmevent.Event) error {
	ma := req.MemAccess()

	ic, ok := s.byFrame[ma.GFN]
	if !ok {
		s.log.Warn("access on frame without intercept",
			zap.Uint64("gfn", ma.GFN),
			zap.Uint32("vcpu", req.VCPUID))

		return nil
	}

	if owned, busy := s.byOwner[req.VCPUID]; busy && owned != ic {
		return monitor.Fail("vcpu %d faulted on %#x while driving %#x",
			req.VCPUID, ic.Address(), owned.Address())
	}

	if err := ic.OnMemAccess(req, rsp); err != nil {
		return err
	}

	if owner, busy := ic.Owner(); busy {
		s.byOwner[owner] = ic
	}

	return nil
}

func (s *Set) onEmulUnimplemented(req, rsp *vmevent.Event) error {
	ic, ok := s.byOwner[req.VCPUID]
	if !ok {
		return monitor.Fail("emulation failure on vcpu %d outside any intercept", req.VCPUID)
	}

	return ic.OnEmulUnimplemented(req, rsp)
}

func (s *Set) onSingleStep(req, rsp *vmevent.Event) error {
	ic, ok := s.byOwner[req.VCPUID]
	if !ok {
		s.log.Warn("stray single step", zap.Uint32("vcpu", req.VCPUID))

		return nil
	}

	if err := ic.OnSingleStep(req, rsp); err != nil {
		return err
	}

	delete(s.byOwner, req.VCPUID)

	return nil
}

// Laps sums the completed cycles of every intercept.
func (s *Set) Laps() int {
	n := 0
	for _, ic := range s.list {
		n += ic.Laps()
	}

	return n
}

// Close restores and unmaps every intercept. Lap counts stay readable.
func (s *Set) Close() error {
	var errs []error

	for _, ic := range s.list {
		errs = append(errs, ic.Close())
	}

	clear(s.byOwner)

	return errors.Join(errs...)
}
