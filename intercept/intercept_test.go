package intercept_test

import (
	"testing"

	"github.com/bobuhiro11/xenmon/intercept"
	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xen"
	"github.com/bobuhiro11/xenmon/xentest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	addr = 0x105040
	gfn  = 0x105
)

// cpuid; nop; nop; nop; ret
var code = []byte{0x0f, 0xa2, 0x90, 0x90, 0x90, 0xc3}

type fixture struct {
	ctrl     *xentest.Control
	set      *intercept.Set
	registry *monitor.Registry
	view     uint16
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := xentest.NewControl()
	copy(ctrl.Page(gfn)[addr&0xfff:], code)

	require.NoError(t, ctrl.AltP2MSetDomainState(true))

	view, err := ctrl.AltP2MCreateView(xen.AccessRWX)
	require.NoError(t, err)

	set := intercept.NewSet(ctrl, view, zaptest.NewLogger(t))
	registry := monitor.NewRegistry()
	require.NoError(t, set.Register(registry))

	return &fixture{ctrl: ctrl, set: set, registry: registry, view: view}
}

func (f *fixture) deliver(t *testing.T, req vmevent.Event) (vmevent.Event, error) {
	t.Helper()

	h, ok := f.registry.Lookup(req.Reason)
	require.True(t, ok, "no handler for %s", req.Reason)

	rsp := vmevent.NewResponse(&req)

	return rsp, h(&req, &rsp)
}

func (f *fixture) guest() []byte {
	off := addr & 0xfff

	return f.ctrl.Page(gfn)[off : off+len(code)]
}

func TestArm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ic, err := f.set.Add(addr)
	require.NoError(t, err)

	assert.Equal(t, uint64(gfn), ic.Frame())
	assert.Equal(t, 0x40, ic.Offset())
	assert.Equal(t, intercept.Idle, ic.State())

	a, ok := f.ctrl.ViewAccess(f.view, gfn)
	require.True(t, ok)
	assert.Equal(t, xen.AccessRW, a)

	_, err = f.set.Add(addr + 8)
	require.Error(t, err, "second intercept on the same frame")
}

func TestCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ic, err := f.set.Add(addr)
	require.NoError(t, err)

	for lap := 1; lap <= 3; lap++ {
		access := xentest.MemAccess(2, gfn, addr, vmevent.AccessExecute)

		rsp, err := f.deliver(t, access)
		require.NoError(t, err)
		assert.Equal(t, intercept.Patched, ic.State())
		assert.True(t, rsp.Flags.Has(vmevent.FlagEmulate))
		assert.True(t, rsp.Flags.Has(vmevent.FlagVCPUPaused))
		assert.Equal(t, access.MemAccess(), rsp.MemAccess())
		assert.Equal(t, intercept.Placeholder[:], f.guest()[:len(intercept.Placeholder)])

		owner, busy := ic.Owner()
		assert.True(t, busy)
		assert.Equal(t, uint32(2), owner)

		rsp, err = f.deliver(t, xentest.Request(vmevent.ReasonEmulUnimplemented, 2))
		require.NoError(t, err)
		assert.Equal(t, intercept.AwaitingStep, ic.State())
		assert.Equal(t, code, f.guest())
		assert.True(t, rsp.Flags.Has(vmevent.FlagAlternateP2M|vmevent.FlagToggleSingleStep))
		assert.Equal(t, intercept.DefaultView, rsp.AltP2MIdx)

		// Pretend the step lifted the restriction so re-arming is visible.
		require.NoError(t, f.ctrl.AltP2MSetMemAccess(f.view, gfn, xen.AccessRWX))

		rsp, err = f.deliver(t, xentest.Request(vmevent.ReasonSingleStep, 2))
		require.NoError(t, err)
		assert.Equal(t, intercept.Idle, ic.State())
		assert.Equal(t, code, f.guest())
		assert.True(t, rsp.Flags.Has(vmevent.FlagAlternateP2M|vmevent.FlagToggleSingleStep))
		assert.Equal(t, f.view, rsp.AltP2MIdx)

		a, _ := f.ctrl.ViewAccess(f.view, gfn)
		assert.Equal(t, xen.AccessRW, a)
		assert.Equal(t, lap, ic.Laps())
	}

	assert.Equal(t, 3, f.set.Laps())
}

func TestOtherVCPUWhileOwned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ic, err := f.set.Add(addr)
	require.NoError(t, err)

	_, err = f.deliver(t, xentest.MemAccess(0, gfn, addr, vmevent.AccessExecute))
	require.NoError(t, err)

	rsp, err := f.deliver(t, xentest.MemAccess(1, gfn, addr, vmevent.AccessExecute))
	require.NoError(t, err)
	assert.Equal(t, vmevent.FlagVCPUPaused, rsp.Flags)

	owner, _ := ic.Owner()
	assert.Equal(t, uint32(0), owner)
	assert.Equal(t, intercept.Patched, ic.State())

	_, err = f.deliver(t, xentest.Request(vmevent.ReasonEmulUnimplemented, 1))
	require.ErrorIs(t, err, monitor.ErrFailure)
}

func TestPlaceholderCrossingPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	const edge = gfn<<12 | 0xffd

	before := append([]byte(nil), f.ctrl.Page(gfn)[0xffd:]...)

	ic, err := f.set.Add(edge)
	require.NoError(t, err)

	access := xentest.MemAccess(0, gfn, edge, vmevent.AccessExecute)

	rsp, err := f.deliver(t, access)
	require.NoError(t, err)
	assert.True(t, rsp.Flags.Has(vmevent.FlagEmulate))
	assert.Equal(t, access.MemAccess(), rsp.MemAccess())
	assert.Equal(t, intercept.Idle, ic.State())
	assert.Equal(t, before, f.ctrl.Page(gfn)[0xffd:])

	_, busy := ic.Owner()
	assert.False(t, busy)

	// The next approach from further inside the page is intercepted.
	_, err = f.deliver(t, xentest.MemAccess(1, gfn, addr, vmevent.AccessExecute))
	require.NoError(t, err)
	assert.Equal(t, intercept.Patched, ic.State())
	assert.Zero(t, ic.Laps())
}

func TestCloseRestoresPatchedBytes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ic, err := f.set.Add(addr)
	require.NoError(t, err)

	_, err = f.deliver(t, xentest.MemAccess(0, gfn, addr, vmevent.AccessExecute))
	require.NoError(t, err)
	require.NotEqual(t, code, f.guest())

	require.NoError(t, f.set.Close())
	assert.Equal(t, code, f.guest())
	assert.Equal(t, intercept.Idle, ic.State())

	ic.Restore()
	assert.Equal(t, code, f.guest())
	assert.Contains(t, f.ctrl.Calls(), "Unmap")
}

func TestUnexpectedEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.set.Add(addr)
	require.NoError(t, err)

	_, err = f.deliver(t, xentest.Request(vmevent.ReasonEmulUnimplemented, 0))
	require.ErrorIs(t, err, monitor.ErrFailure)

	rsp, err := f.deliver(t, xentest.Request(vmevent.ReasonSingleStep, 0))
	require.NoError(t, err)
	assert.Equal(t, vmevent.FlagVCPUPaused, rsp.Flags)

	rsp, err = f.deliver(t, xentest.MemAccess(0, 0x999, 0x999000, vmevent.AccessExecute))
	require.NoError(t, err)
	assert.False(t, rsp.Flags.Has(vmevent.FlagEmulate))
}

func TestArmFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ctrl.Fail["AltP2MSetMemAccess"] = nil

	_, err := f.set.Add(addr)
	require.ErrorIs(t, err, xentest.ErrInjected)
	assert.Empty(t, f.set.Intercepts())
	assert.Contains(t, f.ctrl.Calls(), "Unmap")
}
