package monitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/ring"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xentest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// script is a Waiter that replays a fixed list of wakes and then reports
// the guest gone. before runs ahead of each wake, so tests can publish
// requests at a given point.
type script struct {
	wakes  []monitor.Wake
	before func(i int)
	calls  int
}

func (s *script) Wait(time.Duration) (monitor.Wake, error) {
	i := s.calls
	s.calls++

	if s.before != nil {
		s.before(i)
	}

	if i >= len(s.wakes) {
		return monitor.Wake{Outcome: monitor.OutcomeLifecycleChanged}, nil
	}

	if s.wakes[i].Outcome == monitor.OutcomeError {
		return s.wakes[i], errors.New("wait failed")
	}

	return s.wakes[i], nil
}

type doorbell struct {
	rung int
	err  error
}

func (d *doorbell) Notify(uint32) error {
	if d.err != nil {
		return d.err
	}

	d.rung++

	return nil
}

type harness struct {
	back     *ring.Back
	front    *ring.Front
	registry *monitor.Registry
	bell     *doorbell
	metrics  *monitor.Metrics
	waiter   *script
}

func newHarness(t *testing.T, wakes ...monitor.Wake) *harness {
	t.Helper()

	page := make([]byte, ring.PageSize)

	back, err := ring.Init(page)
	require.NoError(t, err)

	front, err := ring.Attach(page)
	require.NoError(t, err)

	return &harness{
		back:     back,
		front:    front,
		registry: monitor.NewRegistry(),
		bell:     &doorbell{},
		metrics:  monitor.NewMetrics(prometheus.NewRegistry()),
		waiter:   &script{wakes: wakes},
	}
}

func (h *harness) run(t *testing.T, ctx context.Context) error {
	t.Helper()

	d := monitor.NewDispatcher(monitor.DispatcherConfig{
		Ring:     h.back,
		Waiter:   h.waiter,
		Registry: h.registry,
		Notifier: h.bell,
		Port:     42,
		Logger:   zaptest.NewLogger(t),
		Metrics:  h.metrics,
	})

	return d.Run(ctx)
}

func (h *harness) push(t *testing.T, reqs ...vmevent.Event) {
	t.Helper()

	for i := range reqs {
		require.NoError(t, h.front.Push(&reqs[i]))
	}
}

var pending = monitor.Wake{Outcome: monitor.OutcomePending, Port: 42}

func TestDispatchMemAccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pending)

	var seen []vmevent.MemAccess

	require.NoError(t, h.registry.Register(vmevent.ReasonMemAccess, func(req, rsp *vmevent.Event) error {
		seen = append(seen, req.MemAccess())

		return nil
	}))

	h.push(t, xentest.MemAccess(3, 0x105, 0x105123, vmevent.AccessExecute))

	require.NoError(t, h.run(t, context.Background()))

	rsps, err := h.front.Responses()
	require.NoError(t, err)
	require.Len(t, rsps, 1)

	assert.Equal(t, uint32(3), rsps[0].VCPUID)
	assert.Equal(t, vmevent.ReasonMemAccess, rsps[0].Reason)
	assert.True(t, rsps[0].Flags.Has(vmevent.FlagVCPUPaused))
	assert.Equal(t, vmevent.InterfaceVersion, rsps[0].Version)

	require.Len(t, seen, 1)
	assert.Equal(t, uint64(0x105), seen[0].GFN)
	assert.Equal(t, 1, h.bell.rung)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Answered.WithLabelValues("MEM_ACCESS")), 0)
}

func TestDispatchVersionMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pending)

	called := false

	require.NoError(t, h.registry.Register(vmevent.ReasonMemAccess, func(_, _ *vmevent.Event) error {
		called = true

		return nil
	}))

	bad := xentest.MemAccess(0, 0x105, 0x105000, vmevent.AccessExecute)
	bad.Version++
	h.push(t, bad)

	err := h.run(t, context.Background())
	require.ErrorIs(t, err, ring.ErrVersionMismatch)
	assert.Equal(t, monitor.StatusError, monitor.Classify(err))

	assert.False(t, called)
	assert.Equal(t, uint32(1), h.back.ReqCons())
	assert.Zero(t, h.back.RspProd())
	assert.Zero(t, h.bell.rung)
}

func TestDispatchUnregisteredReason(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pending)

	h.push(t, xentest.Request(vmevent.ReasonCPUID, 1))

	require.NoError(t, h.run(t, context.Background()))

	rsps, err := h.front.Responses()
	require.NoError(t, err)
	require.Len(t, rsps, 1)

	assert.Equal(t, vmevent.ReasonCPUID, rsps[0].Reason)
	assert.Equal(t, vmevent.FlagVCPUPaused, rsps[0].Flags)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Unhandled.WithLabelValues("CPUID")), 0)
}

func TestDispatchReasonOutsideEnumeration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pending)

	h.push(t, xentest.Request(vmevent.Reason(99), 0))

	require.NoError(t, h.run(t, context.Background()))

	rsps, err := h.front.Responses()
	require.NoError(t, err)
	require.Len(t, rsps, 1)
	assert.Equal(t, vmevent.Reason(99), rsps[0].Reason)
}

func TestDispatchHandlerErrorAborts(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		err  error
		want monitor.Status
	}{
		{name: "error", err: errors.New("boom"), want: monitor.StatusError},
		{name: "failure", err: monitor.Fail("wrong view %d", 2), want: monitor.StatusFailure},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, pending)

			n := 0

			require.NoError(t, h.registry.Register(vmevent.ReasonSingleStep, func(_, _ *vmevent.Event) error {
				n++
				if n == 2 {
					return tt.err
				}

				return nil
			}))

			h.push(t,
				xentest.Request(vmevent.ReasonSingleStep, 0),
				xentest.Request(vmevent.ReasonSingleStep, 1),
				xentest.Request(vmevent.ReasonSingleStep, 2))

			err := h.run(t, context.Background())
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.want, monitor.Classify(err))

			assert.Equal(t, uint32(2), h.back.ReqCons())
			assert.Equal(t, uint32(1), h.back.RspProd())
			assert.Zero(t, h.bell.rung)
		})
	}
}

func TestDispatchDrainsAllAndRingsOnce(t *testing.T) {
	t.Parallel()

	timeout := monitor.Wake{Outcome: monitor.OutcomeTimeout}
	h := newHarness(t, pending, timeout, pending)

	require.NoError(t, h.registry.Register(vmevent.ReasonSingleStep, func(_, _ *vmevent.Event) error { return nil }))

	h.waiter.before = func(i int) {
		if i != 2 {
			return
		}

		_, err := h.front.Responses()
		require.NoError(t, err)

		for v := uint32(0); v < 6; v++ {
			req := xentest.Request(vmevent.ReasonSingleStep, 10+v)
			require.NoError(t, h.front.Push(&req))
		}
	}

	for v := uint32(0); v < 5; v++ {
		h.push(t, xentest.Request(vmevent.ReasonSingleStep, v))
	}

	require.NoError(t, h.run(t, context.Background()))

	// One doorbell per pass that answered something, none for the timeout.
	assert.Equal(t, 2, h.bell.rung)
	assert.Equal(t, uint32(11), h.back.RspProd())
	assert.Equal(t, h.back.ReqCons(), h.back.RspProd())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Wakes.WithLabelValues("timeout")), 0)
}

func TestDispatchWaitError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monitor.Wake{Outcome: monitor.OutcomeError})

	err := h.run(t, context.Background())
	require.Error(t, err)
	assert.Equal(t, monitor.StatusError, monitor.Classify(err))
}

func TestDispatchDoorbellError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pending)
	h.bell.err = errors.New("no such port")

	h.push(t, xentest.Request(vmevent.ReasonCPUID, 0))

	require.ErrorIs(t, h.run(t, context.Background()), h.bell.err)
}

func TestDispatchInterrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	timeout := monitor.Wake{Outcome: monitor.OutcomeTimeout}
	h := newHarness(t, pending, timeout, timeout, timeout)

	require.NoError(t, h.registry.Register(vmevent.ReasonCPUID, func(_, _ *vmevent.Event) error {
		cancel()

		return nil
	}))

	h.push(t, xentest.Request(vmevent.ReasonCPUID, 0))

	err := h.run(t, ctx)
	require.ErrorIs(t, err, monitor.ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)

	// The pass in flight when the context was cancelled still completes.
	assert.Equal(t, uint32(1), h.back.RspProd())
	assert.Equal(t, 1, h.bell.rung)
	assert.Equal(t, 1, h.waiter.calls)
}

func TestDispatchSealsRegistry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	require.NoError(t, h.run(t, context.Background()))
	assert.True(t, h.registry.Sealed())
	require.ErrorIs(t, h.registry.Register(vmevent.ReasonCPUID, func(_, _ *vmevent.Event) error { return nil }),
		monitor.ErrSealed)
}
