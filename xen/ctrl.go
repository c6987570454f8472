package xen

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ctrlOnce sync.Once
	ctrlErr  error

	xcInterfaceOpen            func(logger, dombuildLogger uintptr, flags uint32) uintptr
	xcInterfaceClose           func(xch uintptr) int32
	xcMonitorEnable            func(xch uintptr, dom uint32, port *uint32) unsafe.Pointer
	xcMonitorDisable           func(xch uintptr, dom uint32) int32
	xcDomainPause              func(xch uintptr, dom uint32) int32
	xcDomainUnpause            func(xch uintptr, dom uint32) int32
	xcMapForeignRange          func(xch uintptr, dom uint32, size int32, prot int32, mfn uint64) unsafe.Pointer
	xcDomainSetAccessRequired  func(xch uintptr, dom uint32, required uint32) int32
	xcSetMemAccess             func(xch uintptr, dom uint32, access uint32, first uint64, nr uint32) int32
	xcSetMemAccessMulti        func(xch uintptr, dom uint32, access *uint8, pages *uint64, nr uint32) int32
	xcAltp2mSetDomainState     func(xch uintptr, dom uint32, state bool) int32
	xcAltp2mCreateView         func(xch uintptr, dom uint32, def uint32, view *uint16) int32
	xcAltp2mDestroyView        func(xch uintptr, dom uint32, view uint16) int32
	xcAltp2mSwitchToView       func(xch uintptr, dom uint32, view uint16) int32
	xcAltp2mSetMemAccess       func(xch uintptr, dom uint32, view uint16, gfn uint64, access uint32) int32
	xcAltp2mSetMemAccessMulti  func(xch uintptr, dom uint32, view uint16, access *uint8, gfns *uint64, nr uint32) int32
	xcMonitorSinglestep        func(xch uintptr, dom uint32, enable bool) int32
	xcMonitorEmulUnimplemented func(xch uintptr, dom uint32, enable bool) int32
	xcTranslateForeignAddress  func(xch uintptr, dom uint32, vcpu int32, virt uint64) uint64
	xcDomainMaximumGPFN        func(xch uintptr, dom uint32, gpfns *uint64) int32
)

// LoadControl resolves libxenctrl. It is safe to call more than once.
func LoadControl() error {
	ctrlOnce.Do(func() {
		if ctrlErr = loadLibc(); ctrlErr != nil {
			return
		}

		lib, err := openLib("libxenctrl.so")
		if err != nil {
			ctrlErr = err

			return
		}

		ctrlErr = bind(lib, map[string]any{
			"xc_interface_open":              &xcInterfaceOpen,
			"xc_interface_close":             &xcInterfaceClose,
			"xc_monitor_enable":              &xcMonitorEnable,
			"xc_monitor_disable":             &xcMonitorDisable,
			"xc_domain_pause":                &xcDomainPause,
			"xc_domain_unpause":              &xcDomainUnpause,
			"xc_map_foreign_range":           &xcMapForeignRange,
			"xc_domain_set_access_required":  &xcDomainSetAccessRequired,
			"xc_set_mem_access":              &xcSetMemAccess,
			"xc_set_mem_access_multi":        &xcSetMemAccessMulti,
			"xc_altp2m_set_domain_state":     &xcAltp2mSetDomainState,
			"xc_altp2m_create_view":          &xcAltp2mCreateView,
			"xc_altp2m_destroy_view":         &xcAltp2mDestroyView,
			"xc_altp2m_switch_to_view":       &xcAltp2mSwitchToView,
			"xc_altp2m_set_mem_access":       &xcAltp2mSetMemAccess,
			"xc_altp2m_set_mem_access_multi": &xcAltp2mSetMemAccessMulti,
			"xc_monitor_singlestep":          &xcMonitorSinglestep,
			"xc_monitor_emul_unimplemented":  &xcMonitorEmulUnimplemented,
			"xc_translate_foreign_address":   &xcTranslateForeignAddress,
			"xc_domain_maximum_gpfn":         &xcDomainMaximumGPFN,
		})
	})

	return ctrlErr
}

// Domain is a control interface handle bound to one guest.
type Domain struct {
	xch  uintptr
	id   DomainID
	ring []byte
}

// OpenDomain opens a control interface handle for dom.
func OpenDomain(dom DomainID) (*Domain, error) {
	if err := LoadControl(); err != nil {
		return nil, err
	}

	xch := xcInterfaceOpen(0, 0, 0)
	if xch == 0 {
		return nil, fmt.Errorf("xc_interface_open: %w", ErrNullPointer)
	}

	return &Domain{xch: xch, id: dom}, nil
}

// ID returns the guest this handle is bound to.
func (d *Domain) ID() DomainID { return d.id }

func (d *Domain) dom() uint32 { return uint32(d.id) }

// Close releases the control interface handle.
func (d *Domain) Close() error {
	if d.xch == 0 {
		return nil
	}

	err := call("xc_interface_close", func() int32 { return xcInterfaceClose(d.xch) })
	d.xch = 0

	return err
}

// EnableMonitor turns on vm_event monitoring and returns the shared ring
// page and the hypervisor's event channel port.
func (d *Domain) EnableMonitor() ([]byte, uint32, error) {
	var (
		port uint32
		p    unsafe.Pointer
	)

	err := call("xc_monitor_enable", func() int32 {
		if p = xcMonitorEnable(d.xch, d.dom(), &port); p == nil {
			return -1
		}

		return 0
	})
	if err != nil {
		return nil, 0, err
	}

	d.ring = unsafe.Slice((*byte)(p), PageSize)

	return d.ring, port, nil
}

// DisableMonitor unmaps the ring page and turns vm_event monitoring off.
// Monitoring is turned off even when the unmap fails.
func (d *Domain) DisableMonitor() error {
	var errs []error

	if d.ring != nil {
		if err := unmap(d.ring); err != nil {
			errs = append(errs, fmt.Errorf("unmap ring page: %w", err))
		}

		d.ring = nil
	}

	errs = append(errs, call("xc_monitor_disable", func() int32 { return xcMonitorDisable(d.xch, d.dom()) }))

	return errors.Join(errs...)
}

// Pause pauses every VCPU of the guest.
func (d *Domain) Pause() error {
	return call("xc_domain_pause", func() int32 { return xcDomainPause(d.xch, d.dom()) })
}

// Unpause resumes the guest.
func (d *Domain) Unpause() error {
	return call("xc_domain_unpause", func() int32 { return xcDomainUnpause(d.xch, d.dom()) })
}

// MapForeignRange maps size bytes of guest memory starting at frame gfn.
func (d *Domain) MapForeignRange(gfn uint64, size, prot int) ([]byte, error) {
	var p unsafe.Pointer

	err := call("xc_map_foreign_range", func() int32 {
		if p = xcMapForeignRange(d.xch, d.dom(), int32(size), int32(prot), gfn); p == nil {
			return -1
		}

		return 0
	})
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), size), nil
}

// Unmap releases a mapping returned by MapForeignRange.
func (d *Domain) Unmap(b []byte) error {
	if err := unmap(b); err != nil {
		return fmt.Errorf("unmap %d bytes: %w", len(b), err)
	}

	return nil
}

// SetAccessRequired controls whether the guest pauses when no listener is
// attached to the ring.
func (d *Domain) SetAccessRequired(required bool) error {
	var r uint32
	if required {
		r = 1
	}

	return call("xc_domain_set_access_required", func() int32 {
		return xcDomainSetAccessRequired(d.xch, d.dom(), r)
	})
}

// SetMemAccess sets a on nr frames starting at first in the host view.
func (d *Domain) SetMemAccess(a Access, first uint64, nr uint32) error {
	return call("xc_set_mem_access", func() int32 {
		return xcSetMemAccess(d.xch, d.dom(), uint32(a), first, nr)
	})
}

func accessBytes(a []Access, gfns []uint64) ([]uint8, error) {
	if len(a) != len(gfns) || len(a) == 0 {
		return nil, fmt.Errorf("%d access rights for %d frames: %w", len(a), len(gfns), unix.EINVAL)
	}

	b := make([]uint8, len(a))
	for i, v := range a {
		b[i] = uint8(v)
	}

	return b, nil
}

// SetMemAccessMulti sets a[i] on gfns[i] in the host view.
func (d *Domain) SetMemAccessMulti(a []Access, gfns []uint64) error {
	b, err := accessBytes(a, gfns)
	if err != nil {
		return err
	}

	return call("xc_set_mem_access_multi", func() int32 {
		return xcSetMemAccessMulti(d.xch, d.dom(), &b[0], &gfns[0], uint32(len(b)))
	})
}

// AltP2MSetDomainState enables or disables alternate views for the guest.
func (d *Domain) AltP2MSetDomainState(on bool) error {
	return call("xc_altp2m_set_domain_state", func() int32 {
		return xcAltp2mSetDomainState(d.xch, d.dom(), on)
	})
}

// AltP2MCreateView creates an alternate view whose pages default to def.
func (d *Domain) AltP2MCreateView(def Access) (uint16, error) {
	var view uint16

	err := call("xc_altp2m_create_view", func() int32 {
		return xcAltp2mCreateView(d.xch, d.dom(), uint32(def), &view)
	})

	return view, err
}

// AltP2MDestroyView destroys an alternate view.
func (d *Domain) AltP2MDestroyView(view uint16) error {
	return call("xc_altp2m_destroy_view", func() int32 {
		return xcAltp2mDestroyView(d.xch, d.dom(), view)
	})
}

// AltP2MSwitchToView switches every VCPU to view.
func (d *Domain) AltP2MSwitchToView(view uint16) error {
	return call("xc_altp2m_switch_to_view", func() int32 {
		return xcAltp2mSwitchToView(d.xch, d.dom(), view)
	})
}

// AltP2MSetMemAccess sets a on gfn in view.
func (d *Domain) AltP2MSetMemAccess(view uint16, gfn uint64, a Access) error {
	return call("xc_altp2m_set_mem_access", func() int32 {
		return xcAltp2mSetMemAccess(d.xch, d.dom(), view, gfn, uint32(a))
	})
}

// AltP2MSetMemAccessMulti sets a[i] on gfns[i] in view.
func (d *Domain) AltP2MSetMemAccessMulti(view uint16, a []Access, gfns []uint64) error {
	b, err := accessBytes(a, gfns)
	if err != nil {
		return err
	}

	return call("xc_altp2m_set_mem_access_multi", func() int32 {
		return xcAltp2mSetMemAccessMulti(d.xch, d.dom(), view, &b[0], &gfns[0], uint32(len(b)))
	})
}

// MonitorSingleStep enables or disables single-step events.
func (d *Domain) MonitorSingleStep(on bool) error {
	return call("xc_monitor_singlestep", func() int32 {
		return xcMonitorSinglestep(d.xch, d.dom(), on)
	})
}

// MonitorEmulUnimplemented enables or disables emulation-unimplemented
// events.
func (d *Domain) MonitorEmulUnimplemented(on bool) error {
	return call("xc_monitor_emul_unimplemented", func() int32 {
		return xcMonitorEmulUnimplemented(d.xch, d.dom(), on)
	})
}

// TranslateForeignAddress walks the guest page tables of vcpu and returns
// the frame backing va.
func (d *Domain) TranslateForeignAddress(vcpu int, va uint64) (uint64, error) {
	var gfn uint64

	err := call("xc_translate_foreign_address", func() int32 {
		if gfn = xcTranslateForeignAddress(d.xch, d.dom(), int32(vcpu), va); gfn == 0 {
			return -1
		}

		return 0
	})

	return gfn, err
}

// MaximumGPFN returns the highest guest frame number.
func (d *Domain) MaximumGPFN() (uint64, error) {
	var gpfn uint64

	err := call("xc_domain_maximum_gpfn", func() int32 {
		return xcDomainMaximumGPFN(d.xch, d.dom(), &gpfn)
	})

	return gpfn, err
}
