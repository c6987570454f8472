package monitor

import (
	"github.com/bobuhiro11/xenmon/xen"
)

// Control is the hypervisor control surface for one guest.
type Control interface {
	EnableMonitor() (page []byte, remotePort uint32, err error)
	DisableMonitor() error
	Pause() error
	Unpause() error

	MapForeignRange(gfn uint64, size, prot int) ([]byte, error)
	Unmap(b []byte) error
	TranslateForeignAddress(vcpu int, va uint64) (uint64, error)
	MaximumGPFN() (uint64, error)

	SetAccessRequired(required bool) error
	SetMemAccess(a xen.Access, first uint64, nr uint32) error
	SetMemAccessMulti(a []xen.Access, gfns []uint64) error

	AltP2MSetDomainState(on bool) error
	AltP2MCreateView(def xen.Access) (uint16, error)
	AltP2MDestroyView(view uint16) error
	AltP2MSwitchToView(view uint16) error
	AltP2MSetMemAccess(view uint16, gfn uint64, a xen.Access) error
	AltP2MSetMemAccessMulti(view uint16, a []xen.Access, gfns []uint64) error

	MonitorSingleStep(on bool) error
	MonitorEmulUnimplemented(on bool) error

	Close() error
}

// EventChannel carries doorbells between the monitor and the hypervisor.
type EventChannel interface {
	Fd() int
	BindInterdomain(dom xen.DomainID, remotePort uint32) (uint32, error)
	Unbind(port uint32) error
	Pending() (uint32, error)
	Unmask(port uint32) error
	Notify(port uint32) error
	Close() error
}

// Watch reports guest lifecycle changes.
type Watch interface {
	Fd() int
	Drain() error
	Introduced() (bool, error)
	Close() error
}

// Backend opens the capability handles a session needs.
type Backend interface {
	OpenControl(dom xen.DomainID) (Control, error)
	OpenWatch(dom xen.DomainID) (Watch, error)
	OpenEventChannel() (EventChannel, error)
}

// XenBackend opens real handles through the xen package.
type XenBackend struct{}

func (XenBackend) OpenControl(dom xen.DomainID) (Control, error) {
	d, err := xen.OpenDomain(dom)
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (XenBackend) OpenWatch(dom xen.DomainID) (Watch, error) {
	s, err := xen.OpenStore(dom)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (XenBackend) OpenEventChannel() (EventChannel, error) {
	e, err := xen.OpenEventChannel()
	if err != nil {
		return nil, err
	}

	return e, nil
}
