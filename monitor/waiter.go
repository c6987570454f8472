package monitor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Outcome is the result of one wait.
type Outcome int

const (
	OutcomeTimeout Outcome = iota
	OutcomePending
	OutcomeLifecycleChanged
	OutcomeError
)

var outcomeNames = [...]string{"timeout", "pending", "lifecycle", "error"}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}

	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Wake describes why Wait returned. Port is set for OutcomePending.
type Wake struct {
	Outcome Outcome
	Port    uint32
}

// Waiter blocks until the ring may have work or the guest went away.
type Waiter interface {
	Wait(timeout time.Duration) (Wake, error)
}

// EventWaiter polls the event channel and the lifecycle watch.
type EventWaiter struct {
	evtchn EventChannel
	watch  Watch
	poll   func(fds []unix.PollFd, timeout int) (int, error)
}

func NewEventWaiter(evtchn EventChannel, watch Watch) *EventWaiter {
	return &EventWaiter{evtchn: evtchn, watch: watch, poll: unix.Poll}
}

const pollEvents = unix.POLLIN | unix.POLLERR | unix.POLLHUP

// Wait blocks for at most timeout. An interrupted poll counts as a timeout.
// The watch is serviced before the doorbell, so a guest that disappeared is
// reported even when its ring also fired.
func (w *EventWaiter) Wait(timeout time.Duration) (Wake, error) {
	fds := []unix.PollFd{
		{Fd: int32(w.evtchn.Fd()), Events: pollEvents},
		{Fd: int32(w.watch.Fd()), Events: pollEvents},
	}

	n, err := w.poll(fds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return Wake{Outcome: OutcomeTimeout}, nil
	}

	if err != nil {
		return Wake{Outcome: OutcomeError}, fmt.Errorf("poll: %w", err)
	}

	if n == 0 {
		return Wake{Outcome: OutcomeTimeout}, nil
	}

	if fds[1].Revents != 0 {
		if err := w.watch.Drain(); err != nil {
			return Wake{Outcome: OutcomeError}, fmt.Errorf("drain watch: %w", err)
		}

		alive, err := w.watch.Introduced()
		if err != nil {
			return Wake{Outcome: OutcomeError}, fmt.Errorf("query guest: %w", err)
		}

		if !alive {
			return Wake{Outcome: OutcomeLifecycleChanged}, nil
		}
	}

	if fds[0].Revents == 0 {
		return Wake{Outcome: OutcomeTimeout}, nil
	}

	port, err := w.evtchn.Pending()
	if err != nil {
		return Wake{Outcome: OutcomeError}, err
	}

	if err := w.evtchn.Unmask(port); err != nil {
		return Wake{Outcome: OutcomeError}, err
	}

	return Wake{Outcome: OutcomePending, Port: port}, nil
}
