package xentest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/ring"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xen"
	"github.com/stretchr/testify/require"
)

// Backend hands out one fake of each capability and can play the
// hypervisor's side of the ring.
type Backend struct {
	Control      *Control
	Watch        *Watch
	EventChannel *EventChannel
	// Fail makes OpenControl, OpenWatch or OpenEventChannel fail.
	Fail map[string]error

	front     *ring.Front
	responses []vmevent.Event
	errs      []error
}

var _ monitor.Backend = (*Backend)(nil)

func NewBackend(t testing.TB) *Backend {
	t.Helper()

	evtchn, err := NewEventChannel()
	require.NoError(t, err)

	watch, err := NewWatch()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = evtchn.p.close()
		_ = watch.p.close()
	})

	return &Backend{
		Control:      NewControl(),
		Watch:        watch,
		EventChannel: evtchn,
		Fail:         map[string]error{},
	}
}

func (b *Backend) open(op string) error {
	if err, ok := b.Fail[op]; ok {
		if err == nil {
			err = ErrInjected
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (b *Backend) OpenControl(xen.DomainID) (monitor.Control, error) {
	if err := b.open("OpenControl"); err != nil {
		return nil, err
	}

	return b.Control, nil
}

func (b *Backend) OpenWatch(xen.DomainID) (monitor.Watch, error) {
	if err := b.open("OpenWatch"); err != nil {
		return nil, err
	}

	return b.Watch, nil
}

func (b *Backend) OpenEventChannel() (monitor.EventChannel, error) {
	if err := b.open("OpenEventChannel"); err != nil {
		return nil, err
	}

	return b.EventChannel, nil
}

func (b *Backend) ring() (*ring.Front, error) {
	if b.front != nil {
		return b.front, nil
	}

	page := b.Control.Ring()
	if page == nil {
		return nil, errors.New("monitoring is not enabled")
	}

	f, err := ring.Attach(page)
	if err != nil {
		return nil, err
	}

	b.front = f

	return f, nil
}

func (b *Backend) collect() {
	f, err := b.ring()
	if err != nil {
		return
	}

	rsps, err := f.Responses()
	b.responses = append(b.responses, rsps...)

	if err != nil {
		b.errs = append(b.errs, err)
	}
}

func (b *Backend) release() {
	if err := b.Watch.Release(); err != nil {
		b.errs = append(b.errs, err)
	}
}

// Replay feeds reqs one at a time: the first once the guest is unpaused,
// each following one after the monitor rang back. The guest is released
// after the last answer.
func (b *Backend) Replay(reqs ...vmevent.Event) {
	next := 0

	push := func() {
		if next == len(reqs) {
			b.release()

			return
		}

		if err := b.Push(&reqs[next]); err != nil {
			b.errs = append(b.errs, err)
			b.release()

			return
		}

		next++
	}

	b.Control.OnUnpause = push
	b.EventChannel.OnNotify = func(uint32) {
		b.collect()
		push()
	}
}

// Burst publishes all of reqs at once when the guest is unpaused and
// releases the guest once every one of them was answered.
func (b *Backend) Burst(reqs ...vmevent.Event) {
	b.Control.OnUnpause = func() {
		f, err := b.ring()
		if err != nil {
			b.errs = append(b.errs, err)
			b.release()

			return
		}

		for i := range reqs {
			if err := f.Push(&reqs[i]); err != nil {
				b.errs = append(b.errs, err)
				b.release()

				return
			}
		}

		if err := b.EventChannel.Kick(); err != nil {
			b.errs = append(b.errs, err)
		}
	}

	b.EventChannel.OnNotify = func(uint32) {
		b.collect()

		if len(b.responses) >= len(reqs) {
			b.release()
		}
	}
}

// Push publishes one request and raises the doorbell.
func (b *Backend) Push(req *vmevent.Event) error {
	f, err := b.ring()
	if err != nil {
		return err
	}

	if err := f.Push(req); err != nil {
		return err
	}

	return b.EventChannel.Kick()
}

// Responses returns every response published so far.
func (b *Backend) Responses() []vmevent.Event {
	b.collect()

	return b.responses
}

// Err returns the errors the fake hypervisor ran into.
func (b *Backend) Err() error { return errors.Join(b.errs...) }

// Request builds a well-formed request from a paused VCPU.
func Request(reason vmevent.Reason, vcpu uint32) vmevent.Event {
	return vmevent.Event{
		Version: vmevent.InterfaceVersion,
		Flags:   vmevent.FlagVCPUPaused,
		Reason:  reason,
		VCPUID:  vcpu,
	}
}

// MemAccess builds a MEM_ACCESS request for guest address gla, executed by
// vcpu, on the frame Control translates it to.
func MemAccess(vcpu uint32, gfn, gla uint64, flags vmevent.AccessFlags) vmevent.Event {
	ev := Request(vmevent.ReasonMemAccess, vcpu)
	ev.SetMemAccess(vmevent.MemAccess{
		GFN:    gfn,
		Offset: gla & (xen.PageSize - 1),
		GLA:    gla,
		Flags:  flags | vmevent.AccessGLAValid,
	})

	regs := ev.Regs()
	regs.RIP = gla
	ev.SetRegs(regs)

	return ev
}
