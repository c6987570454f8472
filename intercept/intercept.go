// Package intercept traps one guest instruction per approach without
// leaving a modification behind.
//
// The page holding the instruction is mapped without execute rights in a
// restricted alternate view. When the guest fetches from it the fault is
// answered with an emulation request after the faulting instruction was
// overwritten with a placeholder the hypervisor cannot emulate. The
// resulting emulation failure restores the original bytes and lets the
// VCPU single-step the real instruction in the default view; the step
// switches it back to the restricted view, ready for the next approach.
//
//	Idle --MEM_ACCESS--> Patched --EMUL_UNIMPLEMENTED--> AwaitingStep --SINGLESTEP--> Idle
package intercept

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xen"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Placeholder is written over the trapped instruction. The hypervisor's
// emulator does not implement it.
var Placeholder = [...]byte{0xd9, 0x20, 0x00, 0x00, 0x00}

// DefaultView is the host view every VCPU is switched to while it steps
// over the original instruction.
const DefaultView uint16 = 0

// RestrictedAccess is what the restricted view grants on an armed frame.
const RestrictedAccess = xen.AccessRW

// State is the phase of an intercept.
type State int

const (
	Idle State = iota
	Patched
	AwaitingStep
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Patched:
		return "patched"
	case AwaitingStep:
		return "awaiting-step"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// ErrNotArmed is returned when an intercept is driven before Arm.
var ErrNotArmed = errors.New("intercept not armed")

// Intercept is the trap for one guest address.
type Intercept struct {
	ctrl monitor.Control
	log  *zap.Logger
	addr uint64
	view uint16

	gfn   uint64
	page  []byte
	state State
	owner uint32
	patch PatchBuffer
	laps  int
}

// New returns an intercept for addr guarded by the restricted view.
func New(ctrl monitor.Control, addr uint64, view uint16, log *zap.Logger) *Intercept {
	if log == nil {
		log = zap.NewNop()
	}

	return &Intercept{
		ctrl: ctrl,
		log:  log.With(zap.String("address", fmt.Sprintf("%#x", addr))),
		addr: addr,
		view: view,
	}
}

// Arm resolves the frame behind the address, maps it and removes execute
// rights from it in the restricted view.
func (i *Intercept) Arm() error {
	gfn, err := i.ctrl.TranslateForeignAddress(0, i.addr)
	if err != nil {
		return fmt.Errorf("translate %#x: %w", i.addr, err)
	}

	page, err := i.ctrl.MapForeignRange(gfn, xen.PageSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return fmt.Errorf("map frame %#x: %w", gfn, err)
	}

	if err := i.ctrl.AltP2MSetMemAccess(i.view, gfn, RestrictedAccess); err != nil {
		_ = i.ctrl.Unmap(page)

		return fmt.Errorf("restrict frame %#x in view %d: %w", gfn, i.view, err)
	}

	i.gfn, i.page = gfn, page
	i.log.Debug("armed",
		zap.Uint64("gfn", gfn),
		zap.String("insn", disasm(page[i.Offset():], i.addr)))

	return nil
}

// Address is the guest address the intercept was built for.
func (i *Intercept) Address() uint64 { return i.addr }

// Frame is the guest frame backing Address. It is valid after Arm.
func (i *Intercept) Frame() uint64 { return i.gfn }

// Offset is the position of Address within its frame.
func (i *Intercept) Offset() int { return int(i.addr & (xen.PageSize - 1)) }

func (i *Intercept) State() State { return i.state }

// Owner is the VCPU driving the intercept while it is not Idle.
func (i *Intercept) Owner() (uint32, bool) { return i.owner, i.state != Idle }

// Laps counts completed Idle to Idle cycles.
func (i *Intercept) Laps() int { return i.laps }

// OnMemAccess handles an execute fault on the armed frame.
func (i *Intercept) OnMemAccess(req, rsp *vmevent.Event) error {
	if i.page == nil {
		return ErrNotArmed
	}

	ma := req.MemAccess()

	if i.state != Idle {
		// Another VCPU hit the frame while the owner is mid-cycle. It
		// resumes unchanged and faults again once the view is re-armed.
		i.log.Debug("frame busy",
			zap.Uint32("vcpu", req.VCPUID),
			zap.Uint32("owner", i.owner),
			zap.Stringer("state", i.state))

		return nil
	}

	off := int(ma.Offset & (xen.PageSize - 1))
	if ma.Flags&vmevent.AccessGLAValid != 0 {
		off = int(ma.GLA & (xen.PageSize - 1))
	}

	orig := disasm(i.page[off:], ma.GLA)

	if err := i.patch.Patch(i.page, off, Placeholder[:]); errors.Is(err, ErrPageBoundary) {
		// Let the hypervisor emulate the original instruction; this
		// approach goes uncounted.
		rsp.Flags |= vmevent.FlagEmulate
		rsp.SetMemAccess(ma)

		i.log.Warn("placeholder would cross the page end",
			zap.Uint32("vcpu", req.VCPUID),
			zap.Int("offset", off),
			zap.String("insn", orig))

		return nil
	} else if err != nil {
		return fmt.Errorf("patch frame %#x: %w", i.gfn, err)
	}

	i.state, i.owner = Patched, req.VCPUID

	rsp.Flags |= vmevent.FlagEmulate
	rsp.SetMemAccess(ma)

	i.log.Debug("patched",
		zap.Uint32("vcpu", req.VCPUID),
		zap.Stringer("access", ma.Flags),
		zap.String("insn", orig))

	return nil
}

// OnEmulUnimplemented puts the original bytes back and sends the owner to
// the default view to single-step them.
func (i *Intercept) OnEmulUnimplemented(req, rsp *vmevent.Event) error {
	if i.state != Patched || req.VCPUID != i.owner {
		return monitor.Fail("emulation failure on vcpu %d while %s", req.VCPUID, i.state)
	}

	i.patch.Restore(i.page)
	i.state = AwaitingStep

	rsp.Flags |= vmevent.FlagAlternateP2M | vmevent.FlagToggleSingleStep
	rsp.AltP2MIdx = DefaultView

	i.log.Debug("restored", zap.Uint32("vcpu", req.VCPUID))

	return nil
}

// OnSingleStep re-arms the restricted view and switches the owner back to
// it with single-stepping turned off.
func (i *Intercept) OnSingleStep(req, rsp *vmevent.Event) error {
	if i.state != AwaitingStep || req.VCPUID != i.owner {
		return monitor.Fail("single step on vcpu %d while %s", req.VCPUID, i.state)
	}

	if err := i.ctrl.AltP2MSetMemAccess(i.view, i.gfn, RestrictedAccess); err != nil {
		return fmt.Errorf("re-arm frame %#x: %w", i.gfn, err)
	}

	rsp.Flags |= vmevent.FlagAlternateP2M | vmevent.FlagToggleSingleStep
	rsp.AltP2MIdx = i.view

	i.state, i.owner = Idle, 0
	i.laps++

	i.log.Debug("stepped", zap.Uint32("vcpu", req.VCPUID), zap.Int("laps", i.laps))

	return nil
}

// Restore puts back any bytes still patched and returns to Idle. It is
// safe to call in any state and more than once.
func (i *Intercept) Restore() {
	if i.page != nil && i.patch.Restore(i.page) {
		i.log.Info("restored patched bytes during teardown")
	}

	i.state, i.owner = Idle, 0
}

// Close restores the guest and unmaps the frame.
func (i *Intercept) Close() error {
	i.Restore()

	if i.page == nil {
		return nil
	}

	err := i.ctrl.Unmap(i.page)
	i.page = nil

	return err
}
