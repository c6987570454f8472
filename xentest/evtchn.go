package xentest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/xenmon/xen"
	"golang.org/x/sys/unix"
)

type pipe struct {
	r, w int
}

func newPipe() (pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return pipe{-1, -1}, fmt.Errorf("pipe: %w", err)
	}

	return pipe{r: fds[0], w: fds[1]}, nil
}

func (p *pipe) close() error {
	var errs []error

	for _, fd := range []*int{&p.r, &p.w} {
		if *fd < 0 {
			continue
		}

		errs = append(errs, unix.Close(*fd))
		*fd = -1
	}

	return errors.Join(errs...)
}

// EventChannel is a doorbell backed by a pipe: Kick plays the hypervisor
// raising the port, Notify records the monitor ringing back.
type EventChannel struct {
	p pipe

	// LocalPort is returned by BindInterdomain.
	LocalPort uint32
	// OnNotify runs after every Notify.
	OnNotify func(port uint32)
	// Fail makes the named operation return the given error.
	Fail map[string]error

	bound    map[uint32]uint32
	unmasked []uint32
	notified int
	closed   bool
}

func NewEventChannel() (*EventChannel, error) {
	p, err := newPipe()
	if err != nil {
		return nil, err
	}

	return &EventChannel{
		p:         p,
		LocalPort: 42,
		Fail:      map[string]error{},
		bound:     map[uint32]uint32{},
	}, nil
}

func (e *EventChannel) fail(op string) error {
	err, ok := e.Fail[op]
	if !ok {
		return nil
	}

	if err == nil {
		err = ErrInjected
	}

	return fmt.Errorf("%s: %w", op, err)
}

func (e *EventChannel) Fd() int { return e.p.r }

func (e *EventChannel) BindInterdomain(_ xen.DomainID, remotePort uint32) (uint32, error) {
	if err := e.fail("BindInterdomain"); err != nil {
		return 0, err
	}

	e.bound[e.LocalPort] = remotePort

	return e.LocalPort, nil
}

func (e *EventChannel) Unbind(port uint32) error {
	if err := e.fail("Unbind"); err != nil {
		return err
	}

	if _, ok := e.bound[port]; !ok {
		return fmt.Errorf("port %d not bound: %w", port, unix.EINVAL)
	}

	delete(e.bound, port)

	return nil
}

// Kick makes the local port readable, as the hypervisor does after
// publishing requests.
func (e *EventChannel) Kick() error {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], e.LocalPort)

	_, err := unix.Write(e.p.w, b[:])

	return err
}

func (e *EventChannel) Pending() (uint32, error) {
	if err := e.fail("Pending"); err != nil {
		return 0, err
	}

	var b [4]byte
	if _, err := unix.Read(e.p.r, b[:]); err != nil {
		return 0, fmt.Errorf("read pending port: %w", err)
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

func (e *EventChannel) Unmask(port uint32) error {
	if err := e.fail("Unmask"); err != nil {
		return err
	}

	e.unmasked = append(e.unmasked, port)

	return nil
}

func (e *EventChannel) Notify(port uint32) error {
	if err := e.fail("Notify"); err != nil {
		return err
	}

	e.notified++

	if e.OnNotify != nil {
		e.OnNotify(port)
	}

	return nil
}

// Notified returns how many times Notify succeeded.
func (e *EventChannel) Notified() int { return e.notified }

// Unmasked returns the ports passed to Unmask, in order.
func (e *EventChannel) Unmasked() []uint32 { return e.unmasked }

// Bound reports whether port is bound.
func (e *EventChannel) Bound(port uint32) bool {
	_, ok := e.bound[port]

	return ok
}

func (e *EventChannel) Closed() bool { return e.closed }

func (e *EventChannel) Close() error {
	if err := e.fail("Close"); err != nil {
		return err
	}

	e.closed = true

	return e.p.close()
}

// Watch is a lifecycle watch backed by a pipe. Release plays the guest
// being destroyed.
type Watch struct {
	p       pipe
	gone    atomic.Bool
	drained int
	closed  bool

	// Fail makes the named operation return the given error.
	Fail map[string]error
}

func NewWatch() (*Watch, error) {
	p, err := newPipe()
	if err != nil {
		return nil, err
	}

	return &Watch{p: p, Fail: map[string]error{}}, nil
}

func (w *Watch) Fd() int { return w.p.r }

// Fire makes the watch readable without the guest going away.
func (w *Watch) Fire() error {
	_, err := unix.Write(w.p.w, []byte{1})

	return err
}

// Release marks the guest as destroyed and fires the watch. It may be
// called from another goroutine.
func (w *Watch) Release() error {
	w.gone.Store(true)

	return w.Fire()
}

func (w *Watch) Drain() error {
	if err, ok := w.Fail["Drain"]; ok {
		return err
	}

	var b [64]byte

	for {
		n, err := unix.Read(w.p.r, b[:])
		if errors.Is(err, unix.EAGAIN) || n == 0 {
			return nil
		}

		if err != nil {
			return err
		}

		w.drained += n
	}
}

// Drained returns how many watch events Drain consumed.
func (w *Watch) Drained() int { return w.drained }

func (w *Watch) Introduced() (bool, error) {
	if err, ok := w.Fail["Introduced"]; ok {
		return false, err
	}

	return !w.gone.Load(), nil
}

func (w *Watch) Closed() bool { return w.closed }

func (w *Watch) Close() error {
	if err, ok := w.Fail["Close"]; ok {
		return err
	}

	w.closed = true

	return w.p.close()
}
