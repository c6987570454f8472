package xen

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	evtchnDevice = "/dev/xen/evtchn"

	// _IOC(_IOC_NONE, 'E', nr, size)
	ioctlEvtchnBindInterdomain = 0x00084501
	ioctlEvtchnUnbind          = 0x00044503
	ioctlEvtchnNotify          = 0x00044504
)

type bindInterdomain struct {
	RemoteDomain uint32
	RemotePort   uint32
}

// EventChannel is an open /dev/xen/evtchn handle.
type EventChannel struct {
	fd int
}

// OpenEventChannel opens the event channel device.
func OpenEventChannel() (*EventChannel, error) {
	fd, err := unix.Open(evtchnDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", evtchnDevice, err)
	}

	return &EventChannel{fd: fd}, nil
}

func ioctl(fd int, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// Fd returns the descriptor that becomes readable when a port fires.
func (e *EventChannel) Fd() int { return e.fd }

// BindInterdomain connects a local port to remotePort of dom.
func (e *EventChannel) BindInterdomain(dom DomainID, remotePort uint32) (uint32, error) {
	arg := bindInterdomain{RemoteDomain: uint32(dom), RemotePort: remotePort}

	port, err := ioctl(e.fd, ioctlEvtchnBindInterdomain, uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return 0, fmt.Errorf("bind interdomain %d:%d: %w", dom, remotePort, err)
	}

	return uint32(port), nil
}

// Unbind releases a local port.
func (e *EventChannel) Unbind(port uint32) error {
	if _, err := ioctl(e.fd, ioctlEvtchnUnbind, uintptr(unsafe.Pointer(&port))); err != nil {
		return fmt.Errorf("unbind port %d: %w", port, err)
	}

	return nil
}

// Notify signals the remote end of port.
func (e *EventChannel) Notify(port uint32) error {
	if _, err := ioctl(e.fd, ioctlEvtchnNotify, uintptr(unsafe.Pointer(&port))); err != nil {
		return fmt.Errorf("notify port %d: %w", port, err)
	}

	return nil
}

// Pending returns the next port that fired. The port stays masked until
// Unmask is called.
func (e *EventChannel) Pending() (uint32, error) {
	var b [4]byte

	n, err := unix.Read(e.fd, b[:])
	if err != nil {
		return 0, fmt.Errorf("read pending port: %w", err)
	}

	if n != len(b) {
		return 0, fmt.Errorf("read pending port: short read of %d bytes: %w", n, unix.EIO)
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

// Unmask re-enables delivery on port.
func (e *EventChannel) Unmask(port uint32) error {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], port)

	if _, err := unix.Write(e.fd, b[:]); err != nil {
		return fmt.Errorf("unmask port %d: %w", port, err)
	}

	return nil
}

// Close closes the device handle, which unbinds any port still bound.
func (e *EventChannel) Close() error {
	if e.fd < 0 {
		return nil
	}

	err := unix.Close(e.fd)
	e.fd = -1

	return err
}
