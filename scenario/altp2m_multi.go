package scenario

import (
	"fmt"
	"slices"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xen"
	"go.uber.org/zap"
)

// AltP2MMulti restricts Pages consecutive pages starting at Address in an
// alternate view with one batched call, then grants each page back when
// the guest first touches it.
type AltP2MMulti struct {
	base

	Address uint64
	Pages   int

	view    uint16
	frames  []uint64
	granted map[uint64]bool
}

func NewAltP2MMulti(addr uint64, pages int) *AltP2MMulti {
	return &AltP2MMulti{Address: addr, Pages: pages}
}

func (a *AltP2MMulti) Name() string { return "altp2m-mem-access-multi" }

func (a *AltP2MMulti) Init(s *monitor.Session) error {
	if a.Address == 0 {
		return ErrNoAddress
	}

	if a.Pages <= 0 {
		return fmt.Errorf("page count %d must be positive", a.Pages)
	}

	ctrl := s.Control()

	if err := a.accessRequired(ctrl); err != nil {
		return err
	}

	view, err := a.altView(ctrl)
	if err != nil {
		return err
	}

	a.view = view
	a.granted = map[uint64]bool{}
	a.frames = a.frames[:0]

	access := make([]xen.Access, 0, a.Pages)

	for i := 0; i < a.Pages; i++ {
		gfn, err := frame(ctrl, a.Address+uint64(i)*xen.PageSize)
		if err != nil {
			return err
		}

		if slices.Contains(a.frames, gfn) {
			continue
		}

		a.frames = append(a.frames, gfn)
		access = append(access, xen.AccessRW)
	}

	if err := ctrl.AltP2MSetMemAccessMulti(view, access, a.frames); err != nil {
		return fmt.Errorf("restrict %d frames in view %d: %w", len(a.frames), view, err)
	}

	if err := a.switchView(ctrl, view); err != nil {
		return err
	}

	log := s.Logger().Named("scenario")
	log.Debug("frames restricted", zap.Uint16("view", view), zap.Int("frames", len(a.frames)))

	return s.Registry().Register(vmevent.ReasonMemAccess, func(req, _ *vmevent.Event) error {
		ma := req.MemAccess()

		if !slices.Contains(a.frames, ma.GFN) {
			return monitor.Fail("access on unrestricted frame %#x", ma.GFN)
		}

		if req.AltP2MIdx != view {
			return monitor.Fail("access on frame %#x reported in view %d, want %d", ma.GFN, req.AltP2MIdx, view)
		}

		if err := ctrl.AltP2MSetMemAccess(view, ma.GFN, xen.AccessRWX); err != nil {
			return fmt.Errorf("grant frame %#x: %w", ma.GFN, err)
		}

		a.granted[ma.GFN] = true

		log.Debug("frame granted",
			zap.Uint64("gfn", ma.GFN),
			zap.Stringer("flags", ma.Flags),
			zap.Int("granted", len(a.granted)))

		return nil
	})
}

func (a *AltP2MMulti) Cleanup(*monitor.Session) error { return a.cleanup() }

// Result is a success once any restricted frame was hit.
func (a *AltP2MMulti) Result() monitor.Status {
	if len(a.granted) == 0 {
		return monitor.StatusFailure
	}

	return monitor.StatusSuccess
}

// Granted returns how many frames were granted back.
func (a *AltP2MMulti) Granted() int { return len(a.granted) }
