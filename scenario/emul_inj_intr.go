package scenario

import (
	"fmt"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xen"
	"go.uber.org/zap"
)

// EmulInjIntr removes execute rights from the page holding Address and has
// the hypervisor emulate every trapped access, so the guest can check that
// interrupts injected during emulation are delivered.
type EmulInjIntr struct {
	base

	Address uint64

	gfn      uint64
	emulated int
}

func NewEmulInjIntr(addr uint64) *EmulInjIntr {
	return &EmulInjIntr{Address: addr}
}

func (e *EmulInjIntr) Name() string { return "emul-inj-intr" }

func (e *EmulInjIntr) Init(s *monitor.Session) error {
	if e.Address == 0 {
		return ErrNoAddress
	}

	ctrl := s.Control()

	if err := e.accessRequired(ctrl); err != nil {
		return err
	}

	gfn, err := frame(ctrl, e.Address)
	if err != nil {
		return err
	}

	if err := ctrl.SetMemAccess(xen.AccessRW, gfn, 1); err != nil {
		return fmt.Errorf("restrict frame %#x: %w", gfn, err)
	}

	e.gfn = gfn
	e.onCleanup(func() error { return ctrl.SetMemAccess(xen.AccessRWX, gfn, 1) })

	log := s.Logger().Named("scenario")

	return s.Registry().Register(vmevent.ReasonMemAccess, func(req, rsp *vmevent.Event) error {
		rsp.Flags |= vmevent.FlagEmulate

		if err := ctrl.SetMemAccess(xen.AccessRWX, e.gfn, 1); err != nil {
			return fmt.Errorf("grant frame %#x: %w", e.gfn, err)
		}

		e.emulated++

		log.Debug("emulating",
			zap.Uint32("vcpu", req.VCPUID),
			zap.Uint64("rip", req.Regs().RIP),
			zap.Int("emulated", e.emulated))

		return nil
	})
}

func (e *EmulInjIntr) Cleanup(*monitor.Session) error { return e.cleanup() }

// Result is a success once at least one access was emulated.
func (e *EmulInjIntr) Result() monitor.Status {
	if e.emulated == 0 {
		return monitor.StatusFailure
	}

	return monitor.StatusSuccess
}

// Emulated counts accesses answered with emulation.
func (e *EmulInjIntr) Emulated() int { return e.emulated }
