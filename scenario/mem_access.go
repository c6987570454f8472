package scenario

import (
	"fmt"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xen"
	"go.uber.org/zap"
)

// MemAccess removes execute rights from the page holding Address and
// grants them back on the first access.
type MemAccess struct {
	base

	Address uint64

	gfn  uint64
	hits int
}

func NewMemAccess(addr uint64) *MemAccess {
	return &MemAccess{Address: addr}
}

func (m *MemAccess) Name() string { return "mem-access" }

func (m *MemAccess) Init(s *monitor.Session) error {
	if m.Address == 0 {
		return ErrNoAddress
	}

	ctrl := s.Control()

	if err := m.accessRequired(ctrl); err != nil {
		return err
	}

	gfn, err := frame(ctrl, m.Address)
	if err != nil {
		return err
	}

	if err := ctrl.SetMemAccess(xen.AccessRW, gfn, 1); err != nil {
		return fmt.Errorf("restrict frame %#x: %w", gfn, err)
	}

	m.gfn = gfn
	m.onCleanup(func() error { return ctrl.SetMemAccess(xen.AccessRWX, gfn, 1) })

	log := s.Logger().Named("scenario")
	log.Debug("frame restricted", zap.Uint64("gfn", gfn))

	return s.Registry().Register(vmevent.ReasonMemAccess, func(req, rsp *vmevent.Event) error {
		ma := req.MemAccess()

		log.Debug("access",
			zap.Uint32("vcpu", req.VCPUID),
			zap.Uint64("gfn", ma.GFN),
			zap.Uint64("gla", ma.GLA),
			zap.Stringer("flags", ma.Flags))

		if ma.GFN == m.gfn {
			m.hits++
		}

		return ctrl.SetMemAccess(xen.AccessRWX, ma.GFN, 1)
	})
}

func (m *MemAccess) Cleanup(*monitor.Session) error { return m.cleanup() }

// Result is a success once the restricted frame was hit.
func (m *MemAccess) Result() monitor.Status {
	if m.hits == 0 {
		return monitor.StatusFailure
	}

	return monitor.StatusSuccess
}

// Hits counts accesses to the restricted frame.
func (m *MemAccess) Hits() int { return m.hits }
