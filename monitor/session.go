// Package monitor runs a vm_event monitoring session against one guest: it
// acquires the control, watch and event channel handles, lets a Scenario
// arm its traps and register handlers, serves the ring until the guest
// goes away and then releases everything in reverse order.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/bobuhiro11/xenmon/ring"
	"github.com/bobuhiro11/xenmon/xen"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// InitCompleteMessage is logged once the scenario is armed and right
// before the guest is unpaused. Test harnesses wait for it.
const InitCompleteMessage = "Monitor initialization complete."

// Scenario is a monitoring test: it arms the guest and registers its
// handlers in Init, undoes that in Cleanup and judges the run in Result.
type Scenario interface {
	Name() string
	Init(s *Session) error
	Cleanup(s *Session) error
	Result() Status
}

// Config describes which guest to monitor and how.
type Config struct {
	Domain       xen.DomainID
	PollInterval time.Duration
	// Registerer receives the dispatcher counters. It may be nil.
	Registerer prometheus.Registerer
}

// Session is one monitoring run. It is built by New and driven by Run.
type Session struct {
	cfg      Config
	backend  Backend
	scenario Scenario
	log      *zap.Logger
	metrics  *Metrics
	registry *Registry

	ctrl       Control
	watch      Watch
	evtchn     EventChannel
	ring       *ring.Back
	remotePort uint32
	localPort  uint32

	undo   []step
	status Status
}

func New(cfg Config, backend Backend, sc Scenario, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}

	return &Session{
		cfg:      cfg,
		backend:  backend,
		scenario: sc,
		log:      log.With(zap.Uint32("domain", uint32(cfg.Domain)), zap.String("scenario", sc.Name())),
		metrics:  NewMetrics(cfg.Registerer),
		registry: NewRegistry(),
		status:   StatusRunning,
	}
}

// Domain returns the monitored guest.
func (s *Session) Domain() xen.DomainID { return s.cfg.Domain }

// Control returns the control handle. It is valid from Scenario.Init until
// Scenario.Cleanup returns.
func (s *Session) Control() Control { return s.ctrl }

// Registry is where scenarios install their handlers.
func (s *Session) Registry() *Registry { return s.registry }

func (s *Session) Logger() *zap.Logger { return s.log }

// Status returns the status of the last Run, or StatusRunning.
func (s *Session) Status() Status { return s.status }

// Run executes the whole session and returns its final status. Resources
// are always released before it returns.
func (s *Session) Run(ctx context.Context) Status {
	if err := s.open(); err != nil {
		s.log.Error("setup failed", zap.Error(err))
		s.teardown()

		return s.finish(StatusError)
	}

	status, ran := s.serve(ctx)

	if err := s.scenario.Cleanup(s); err != nil {
		s.log.Warn("scenario cleanup failed", zap.Error(err))
	}

	s.teardown()

	// A scenario that never got to run has nothing to judge.
	if ran {
		status = status.Worse(s.scenario.Result())
	}

	return s.finish(status)
}

// open acquires the handles in dependency order. Every acquired handle
// pushes its release step, so teardown can unwind a partial setup.
func (s *Session) open() error {
	ctrl, err := s.backend.OpenControl(s.cfg.Domain)
	if err != nil {
		return fmt.Errorf("open control interface: %w", err)
	}

	s.ctrl = ctrl
	s.onTeardown("close control interface", ctrl.Close)

	watch, err := s.backend.OpenWatch(s.cfg.Domain)
	if err != nil {
		return fmt.Errorf("open lifecycle watch: %w", err)
	}

	s.watch = watch
	s.onTeardown("close lifecycle watch", watch.Close)

	page, remotePort, err := ctrl.EnableMonitor()
	if err != nil {
		return fmt.Errorf("enable monitoring: %w", err)
	}

	s.remotePort = remotePort
	s.onTeardown("disable monitoring", ctrl.DisableMonitor)

	evtchn, err := s.backend.OpenEventChannel()
	if err != nil {
		return fmt.Errorf("open event channel: %w", err)
	}

	s.evtchn = evtchn
	s.onTeardown("close event channel", evtchn.Close)

	port, err := evtchn.BindInterdomain(s.cfg.Domain, remotePort)
	if err != nil {
		return fmt.Errorf("bind event channel: %w", err)
	}

	s.localPort = port
	s.onTeardown("unbind event channel", func() error { return evtchn.Unbind(port) })

	if s.ring, err = ring.Init(page); err != nil {
		return err
	}

	s.log.Debug("ring ready",
		zap.Uint32("remote_port", remotePort),
		zap.Uint32("local_port", port),
		zap.Uint32("slots", s.ring.Size()))

	return nil
}

// serve arms the scenario and runs the event loop. It reports whether the
// guest was let run.
func (s *Session) serve(ctx context.Context) (Status, bool) {
	if err := s.scenario.Init(s); err != nil {
		s.log.Error("scenario init failed", zap.Error(err))

		return StatusError.Worse(Classify(err)), false
	}

	s.log.Info(InitCompleteMessage)

	if err := s.ctrl.Unpause(); err != nil {
		s.log.Error("unpause guest", zap.Error(err))

		return StatusError, false
	}

	d := NewDispatcher(DispatcherConfig{
		Ring:         s.ring,
		Waiter:       NewEventWaiter(s.evtchn, s.watch),
		Registry:     s.registry,
		Notifier:     s.evtchn,
		Port:         s.localPort,
		PollInterval: s.cfg.PollInterval,
		Logger:       s.log.Named("dispatcher"),
		Metrics:      s.metrics,
	})

	if err := d.Run(ctx); err != nil {
		s.log.Error("event loop aborted", zap.Error(err))

		return Classify(err), true
	}

	return StatusSuccess, true
}

func (s *Session) finish(st Status) Status {
	s.status = st
	s.log.Info("session finished", zap.Stringer("status", st))

	return st
}
