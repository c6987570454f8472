// Package xentest provides in-memory stand-ins for the hypervisor
// capabilities a monitoring session consumes, so sessions, dispatch and
// scenarios can be exercised without Xen.
package xentest

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/xenmon/xen"
)

// ErrInjected is the default error returned by operations listed in
// Control.Fail.
var ErrInjected = errors.New("injected failure")

// Control is a fake control interface with guest memory, access tables and
// alternate views. It is not safe for concurrent use.
type Control struct {
	// RemotePort is handed out by EnableMonitor.
	RemotePort uint32
	// Fail makes the named operation return the given error.
	Fail map[string]error
	// Translate maps guest virtual page addresses to frames. Addresses not
	// listed translate to va >> 12.
	Translate map[uint64]uint64
	// OnUnpause runs after every successful Unpause.
	OnUnpause func()

	calls []string
	ring  []byte
	pages map[uint64][]byte

	maxGPFN        uint64
	accessRequired bool
	monitoring     bool
	paused         bool
	singleStep     bool
	emulUnimpl     bool
	altp2m         bool
	access         map[uint64]xen.Access
	views          map[uint16]map[uint64]xen.Access
	nextView       uint16
	currentView    uint16
	closed         bool
}

func NewControl() *Control {
	return &Control{
		RemotePort: 7,
		Fail:       map[string]error{},
		Translate:  map[uint64]uint64{},
		pages:      map[uint64][]byte{},
		maxGPFN:    0xfffff,
		paused:     true,
		access:     map[uint64]xen.Access{},
		views:      map[uint16]map[uint64]xen.Access{},
		nextView:   1,
	}
}

func (c *Control) enter(op string) error {
	c.calls = append(c.calls, op)

	err, ok := c.Fail[op]
	if !ok {
		return nil
	}

	if err == nil {
		err = ErrInjected
	}

	return fmt.Errorf("%s: %w", op, err)
}

// Calls returns the operations invoked so far, in order.
func (c *Control) Calls() []string {
	return append([]string(nil), c.calls...)
}

// Page returns the guest frame gfn, allocating it on first use.
func (c *Control) Page(gfn uint64) []byte {
	p, ok := c.pages[gfn]
	if !ok {
		p = make([]byte, xen.PageSize)
		c.pages[gfn] = p
	}

	return p
}

// Ring returns the ring page handed out by EnableMonitor.
func (c *Control) Ring() []byte { return c.ring }

func (c *Control) EnableMonitor() ([]byte, uint32, error) {
	if err := c.enter("EnableMonitor"); err != nil {
		return nil, 0, err
	}

	c.monitoring = true
	c.ring = make([]byte, xen.PageSize)

	return c.ring, c.RemotePort, nil
}

func (c *Control) DisableMonitor() error {
	if err := c.enter("DisableMonitor"); err != nil {
		return err
	}

	c.monitoring = false

	return nil
}

func (c *Control) Pause() error {
	if err := c.enter("Pause"); err != nil {
		return err
	}

	c.paused = true

	return nil
}

func (c *Control) Unpause() error {
	if err := c.enter("Unpause"); err != nil {
		return err
	}

	c.paused = false

	if c.OnUnpause != nil {
		c.OnUnpause()
	}

	return nil
}

func (c *Control) MapForeignRange(gfn uint64, size, _ int) ([]byte, error) {
	if err := c.enter("MapForeignRange"); err != nil {
		return nil, err
	}

	if size != xen.PageSize {
		return nil, fmt.Errorf("map %d bytes at frame %#x: only single pages are backed", size, gfn)
	}

	return c.Page(gfn), nil
}

func (c *Control) Unmap([]byte) error { return c.enter("Unmap") }

func (c *Control) TranslateForeignAddress(_ int, va uint64) (uint64, error) {
	if err := c.enter("TranslateForeignAddress"); err != nil {
		return 0, err
	}

	if gfn, ok := c.Translate[va&^(xen.PageSize-1)]; ok {
		return gfn, nil
	}

	return va >> 12, nil
}

func (c *Control) MaximumGPFN() (uint64, error) {
	if err := c.enter("MaximumGPFN"); err != nil {
		return 0, err
	}

	return c.maxGPFN, nil
}

func (c *Control) SetAccessRequired(required bool) error {
	if err := c.enter("SetAccessRequired"); err != nil {
		return err
	}

	c.accessRequired = required

	return nil
}

func (c *Control) SetMemAccess(a xen.Access, first uint64, nr uint32) error {
	if err := c.enter("SetMemAccess"); err != nil {
		return err
	}

	for i := uint64(0); i < uint64(nr); i++ {
		c.access[first+i] = a
	}

	return nil
}

func (c *Control) SetMemAccessMulti(a []xen.Access, gfns []uint64) error {
	if err := c.enter("SetMemAccessMulti"); err != nil {
		return err
	}

	if len(a) != len(gfns) {
		return fmt.Errorf("%d access rights for %d frames", len(a), len(gfns))
	}

	for i, gfn := range gfns {
		c.access[gfn] = a[i]
	}

	return nil
}

// Access returns the host view access of gfn.
func (c *Control) Access(gfn uint64) xen.Access {
	if a, ok := c.access[gfn]; ok {
		return a
	}

	return xen.AccessRWX
}

func (c *Control) AltP2MSetDomainState(on bool) error {
	if err := c.enter("AltP2MSetDomainState"); err != nil {
		return err
	}

	c.altp2m = on

	return nil
}

func (c *Control) AltP2MCreateView(def xen.Access) (uint16, error) {
	if err := c.enter("AltP2MCreateView"); err != nil {
		return 0, err
	}

	if !c.altp2m {
		return 0, errors.New("altp2m disabled")
	}

	v := c.nextView
	c.nextView++
	c.views[v] = map[uint64]xen.Access{^uint64(0): def}

	return v, nil
}

func (c *Control) AltP2MDestroyView(view uint16) error {
	if err := c.enter("AltP2MDestroyView"); err != nil {
		return err
	}

	if _, ok := c.views[view]; !ok {
		return fmt.Errorf("no view %d", view)
	}

	delete(c.views, view)

	return nil
}

func (c *Control) AltP2MSwitchToView(view uint16) error {
	if err := c.enter("AltP2MSwitchToView"); err != nil {
		return err
	}

	if _, ok := c.views[view]; !ok && view != 0 {
		return fmt.Errorf("no view %d", view)
	}

	c.currentView = view

	return nil
}

func (c *Control) AltP2MSetMemAccess(view uint16, gfn uint64, a xen.Access) error {
	if err := c.enter("AltP2MSetMemAccess"); err != nil {
		return err
	}

	v, ok := c.views[view]
	if !ok {
		return fmt.Errorf("no view %d", view)
	}

	v[gfn] = a

	return nil
}

func (c *Control) AltP2MSetMemAccessMulti(view uint16, a []xen.Access, gfns []uint64) error {
	if err := c.enter("AltP2MSetMemAccessMulti"); err != nil {
		return err
	}

	v, ok := c.views[view]
	if !ok {
		return fmt.Errorf("no view %d", view)
	}

	if len(a) != len(gfns) {
		return fmt.Errorf("%d access rights for %d frames", len(a), len(gfns))
	}

	for i, gfn := range gfns {
		v[gfn] = a[i]
	}

	return nil
}

// ViewAccess returns the access of gfn in view and whether the view exists.
func (c *Control) ViewAccess(view uint16, gfn uint64) (xen.Access, bool) {
	v, ok := c.views[view]
	if !ok {
		return 0, false
	}

	if a, ok := v[gfn]; ok {
		return a, true
	}

	return v[^uint64(0)], true
}

// Views returns the number of live alternate views.
func (c *Control) Views() int { return len(c.views) }

// CurrentView returns the view the guest runs on.
func (c *Control) CurrentView() uint16 { return c.currentView }

func (c *Control) MonitorSingleStep(on bool) error {
	if err := c.enter("MonitorSingleStep"); err != nil {
		return err
	}

	c.singleStep = on

	return nil
}

func (c *Control) MonitorEmulUnimplemented(on bool) error {
	if err := c.enter("MonitorEmulUnimplemented"); err != nil {
		return err
	}

	c.emulUnimpl = on

	return nil
}

func (c *Control) Close() error {
	if err := c.enter("Close"); err != nil {
		return err
	}

	c.closed = true

	return nil
}

// State is a snapshot of the toggles the monitor flips.
type State struct {
	Monitoring     bool
	Paused         bool
	AccessRequired bool
	SingleStep     bool
	EmulUnimpl     bool
	AltP2M         bool
	Closed         bool
}

func (c *Control) State() State {
	return State{
		Monitoring:     c.monitoring,
		Paused:         c.paused,
		AccessRequired: c.accessRequired,
		SingleStep:     c.singleStep,
		EmulUnimpl:     c.emulUnimpl,
		AltP2M:         c.altp2m,
		Closed:         c.closed,
	}
}
