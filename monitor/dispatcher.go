package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/bobuhiro11/xenmon/ring"
	"github.com/bobuhiro11/xenmon/vmevent"
	"go.uber.org/zap"
)

// DefaultPollInterval bounds how long the dispatcher blocks per wait.
const DefaultPollInterval = 100 * time.Millisecond

// Notifier rings the doorbell towards the hypervisor.
type Notifier interface {
	Notify(port uint32) error
}

// Dispatcher drains the ring, hands each request to its handler and
// answers it.
type Dispatcher struct {
	ring     *ring.Back
	waiter   Waiter
	registry *Registry
	notifier Notifier
	port     uint32
	interval time.Duration
	log      *zap.Logger
	metrics  *Metrics
}

// DispatcherConfig collects what a Dispatcher is built from.
type DispatcherConfig struct {
	Ring     *ring.Back
	Waiter   Waiter
	Registry *Registry
	Notifier Notifier
	// Port is the local event channel port rung after each pass.
	Port         uint32
	PollInterval time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
}

func NewDispatcher(c DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		ring:     c.Ring,
		waiter:   c.Waiter,
		registry: c.Registry,
		notifier: c.Notifier,
		port:     c.Port,
		interval: c.PollInterval,
		log:      c.Logger,
		metrics:  c.Metrics,
	}

	if d.interval <= 0 {
		d.interval = DefaultPollInterval
	}

	if d.log == nil {
		d.log = zap.NewNop()
	}

	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}

	return d
}

// Run seals the registry and serves requests until the guest goes away,
// ctx is cancelled or a request cannot be answered. It returns nil only
// when the guest went away.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.registry.Seal()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}

		wake, err := d.waiter.Wait(d.interval)
		d.metrics.Wakes.WithLabelValues(wake.Outcome.String()).Inc()

		switch wake.Outcome {
		case OutcomeLifecycleChanged:
			d.log.Info("guest is gone")

			return nil
		case OutcomeError:
			return fmt.Errorf("wait for events: %w", err)
		case OutcomePending:
			d.log.Debug("doorbell", zap.Uint32("port", wake.Port))
		case OutcomeTimeout:
		}

		n, err := d.drain()
		if err != nil {
			return err
		}

		if n == 0 {
			continue
		}

		if err := d.notifier.Notify(d.port); err != nil {
			return fmt.Errorf("ring doorbell: %w", err)
		}

		d.metrics.Doorbells.Inc()
	}
}

// drain answers every request that is available now and returns how many
// responses it published.
func (d *Dispatcher) drain() (int, error) {
	n := 0

	for d.ring.HasPending() {
		req, err := d.ring.Receive()
		if err != nil {
			return n, fmt.Errorf("receive request: %w", err)
		}

		d.metrics.Received.WithLabelValues(req.Reason.String()).Inc()
		d.log.Debug("request",
			zap.Stringer("reason", req.Reason),
			zap.Uint32("vcpu", req.VCPUID),
			zap.Uint16("altp2m", req.AltP2MIdx),
			zap.Uint64("rip", req.Regs().RIP))

		rsp := vmevent.NewResponse(&req)

		if err := d.dispatch(&req, &rsp); err != nil {
			return n, fmt.Errorf("%s on vcpu %d: %w", req.Reason, req.VCPUID, err)
		}

		if err := d.ring.Send(&rsp); err != nil {
			return n, fmt.Errorf("send response: %w", err)
		}

		d.metrics.Answered.WithLabelValues(rsp.Reason.String()).Inc()
		n++
	}

	return n, nil
}

func (d *Dispatcher) dispatch(req, rsp *vmevent.Event) error {
	h, ok := d.registry.Lookup(req.Reason)

	switch {
	case !req.Reason.Valid():
		d.unhandled(req, "reason outside the enumeration")
	case !ok:
		d.unhandled(req, "no handler registered")
	default:
		return h(req, rsp)
	}

	return nil
}

func (d *Dispatcher) unhandled(req *vmevent.Event, why string) {
	d.metrics.Unhandled.WithLabelValues(req.Reason.String()).Inc()
	d.log.Warn("unhandled request",
		zap.Stringer("reason", req.Reason),
		zap.Uint32("vcpu", req.VCPUID),
		zap.String("cause", why))
}
