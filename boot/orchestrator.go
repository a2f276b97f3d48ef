// Package boot sequences the device at power-on: settings, connectivity,
// portal, beacon, background checkers, and the hand-off to the device agent
// once the device is claimed. It runs until shutdown or a reboot request.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"palpable"
	"palpable/internal/telemetry"
)

const (
	DefaultLinkCheckInterval = 15 * time.Second
	// shutdownTimeout bounds the teardown of all daemons.
	shutdownTimeout = 30 * time.Second
	agentTimeout    = 30 * time.Second
)

var bootPlan = telemetry.Plan{Steps: []telemetry.PlannedStep{
	{ID: "settings", Title: "load settings"},
	{ID: "connectivity", Title: "bring up connectivity"},
	{ID: "portal", Title: "start portal"},
	{ID: "beacon", Title: "start bluetooth beacon"},
}}

// Orchestrator owns the boot sequence and the process lifetime.
type Orchestrator struct {
	settings SettingsLoader
	conn     Connectivity
	portal   Portal

	beacon    Beacon
	updater   Updater
	workers   []Worker
	claims    Claims
	host      Host
	tracer    trace.Tracer
	deviceID  string
	agentUnit string
	linkCheck time.Duration

	mu    sync.Mutex
	phase Phase

	claimed    chan struct{}
	reboot     chan struct{}
	rebootOnce sync.Once
	// started is closed once the portal is up and readiness was reported.
	started chan struct{}

	log *slog.Logger
}

// Option configures an Orchestrator. Use these to inject test dependencies.
type Option func(*Orchestrator)

func WithBeacon(b Beacon) Option {
	return func(o *Orchestrator) { o.beacon = b }
}

func WithUpdater(u Updater) Option {
	return func(o *Orchestrator) { o.updater = u }
}

// WithWorker adds a background loop run for the lifetime of the process.
func WithWorker(w Worker) Option {
	return func(o *Orchestrator) { o.workers = append(o.workers, w) }
}

func WithClaims(c Claims) Option {
	return func(o *Orchestrator) { o.claims = c }
}

func WithHost(h Host) Option {
	return func(o *Orchestrator) { o.host = h }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithDeviceID(id string) Option {
	return func(o *Orchestrator) { o.deviceID = id }
}

// WithAgentUnit sets the unit started once the device is claimed. An empty
// unit disables the hand-off.
func WithAgentUnit(unit string) Option {
	return func(o *Orchestrator) { o.agentUnit = unit }
}

func WithLinkCheckInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.linkCheck = d
		}
	}
}

func New(settings SettingsLoader, conn Connectivity, portal Portal, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings:  settings,
		conn:      conn,
		portal:    portal,
		linkCheck: DefaultLinkCheckInterval,
		claimed:   make(chan struct{}, 1),
		reboot:    make(chan struct{}),
		started:   make(chan struct{}),
		log:       slog.With("component", "boot"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	return o
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(to Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = o.phase.Transition(to)
}

// Started returns a channel closed once the boot sequence has completed.
func (o *Orchestrator) Started() <-chan struct{} {
	return o.started
}

// NotifyClaimed tells the orchestrator the device was just claimed.
func (o *Orchestrator) NotifyClaimed(palpable.ClaimSession) {
	select {
	case o.claimed <- struct{}{}:
	default:
	}
}

// RequestReboot schedules a graceful shutdown followed by a reboot. It
// returns immediately.
func (o *Orchestrator) RequestReboot() {
	o.rebootOnce.Do(func() { close(o.reboot) })
}

// Run boots the device and blocks until ctx is cancelled or a reboot is
// requested. All daemons are stopped before Run returns. Component failures
// during boot are logged and never end the process.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setPhase(PhaseStarting)
	o.boot(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if o.updater != nil {
		g.Go(func() error { o.updater.Run(gctx); return nil })
	}
	for _, w := range o.workers {
		g.Go(func() error { w.Run(gctx); return nil })
	}
	g.Go(func() error { o.watchLink(gctx); return nil })
	g.Go(func() error { o.handOff(gctx); return nil })

	rebooting := false
	select {
	case <-ctx.Done():
	case <-o.reboot:
		rebooting = true
		o.log.Info("Reboot requested, stopping services.")
	}
	cancel()
	_ = g.Wait()

	err := o.shutdown(ctx)
	if rebooting {
		if err != nil {
			o.log.Error("Shutdown incomplete before reboot.", "err", err)
		}
		return o.rebootHost(ctx)
	}
	return err
}

func (o *Orchestrator) boot(ctx context.Context) {
	op, err := telemetry.Start(ctx, o.tracer, "boot", bootPlan)
	if err != nil {
		o.log.Warn("Boot telemetry unavailable.", "err", err)
	} else {
		ctx = op.Context()
	}

	var s palpable.DeviceSettings
	_ = op.RunStep(ctx, "settings", func(context.Context) error {
		s = o.settings.Load()
		return nil
	})

	st := o.conn.Status()
	connErr := op.RunSoftStep(ctx, "connectivity", func(ctx context.Context) error {
		var err error
		st, err = o.conn.BringUp(ctx, s)
		return err
	})
	switch {
	case errors.Is(connErr, palpable.ErrWirelessUnavailable):
		o.log.Error("Wireless interface unavailable, Wi-Fi disabled for this session.", "err", connErr)
	case connErr != nil:
		o.log.Warn("Connectivity bring-up failed.", "state", st.State, "err", connErr)
	default:
		o.log.Info("Connectivity up.", "state", st.State, "ip", st.IP, "ssid", st.SSID, "ap_ssid", st.APSSID)
	}

	if err := op.RunSoftStep(ctx, "portal", o.portal.Start); err != nil {
		o.log.Error("Portal failed to start.", "err", err)
	}

	if o.beacon != nil {
		name := st.APSSID
		if name == "" {
			name = s.DeviceName
		}
		err := op.RunSoftStep(ctx, "beacon", func(ctx context.Context) error {
			return o.beacon.Start(ctx, name, o.deviceID)
		})
		if err != nil {
			o.log.Info("Bluetooth beacon not started.", "err", err)
		}
	}

	op.Annotate(
		attribute.String("palpable.state", st.State.String()),
		attribute.String("palpable.wifi_mode", string(st.Mode())),
	)
	op.End(nil)

	o.setPhase(PhaseProvisioning)
	if o.host != nil {
		o.host.Ready()
		o.host.Status(fmt.Sprintf("wifi %s %s", st.Mode(), st.IP))
	}
	close(o.started)
}

// watchLink runs the link watchdog and triggers an update check whenever the
// device comes online.
func (o *Orchestrator) watchLink(ctx context.Context) {
	ticker := time.NewTicker(o.linkCheck)
	defer ticker.Stop()

	online := o.conn.Online()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := o.conn.CheckLink(ctx); err != nil && ctx.Err() == nil {
			o.log.Warn("Link check failed.", "err", err)
		}
		now := o.conn.Online()
		if now && !online && o.updater != nil {
			o.updater.Trigger()
		}
		online = now
	}
}

// handOff starts the agent unit once the device is claimed, either already
// at boot or later through the portal. A failed start is retried on the next
// claim notification.
func (o *Orchestrator) handOff(ctx context.Context) {
	if o.agentUnit == "" || o.host == nil {
		return
	}
	if o.claims != nil {
		session, err := o.claims.Session(ctx)
		switch {
		case err != nil:
			o.log.Warn("Failed to read claim state.", "err", err)
		case session.Claimed:
			if o.startAgent(ctx) {
				return
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.claimed:
		}
		if o.startAgent(ctx) {
			return
		}
	}
}

func (o *Orchestrator) startAgent(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, agentTimeout)
	defer cancel()
	if err := o.host.StartUnit(ctx, o.agentUnit); err != nil {
		o.log.Error("Failed to start device agent.", "unit", o.agentUnit, "err", err)
		return false
	}
	o.setPhase(PhaseHandedOff)
	o.log.Info("Device agent started.", "unit", o.agentUnit)
	return true
}

// shutdown stops everything the orchestrator started. It runs on a fresh
// context so it completes after ctx is cancelled.
func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.setPhase(PhaseStopping)
	if o.host != nil {
		o.host.Stopping()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := o.portal.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if o.beacon != nil {
		if err := o.beacon.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop beacon: %w", err))
		}
	}
	if err := o.conn.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	o.setPhase(PhaseStopped)
	o.log.Info("Services stopped.")
	return errors.Join(errs...)
}

func (o *Orchestrator) rebootHost(ctx context.Context) error {
	if o.host == nil {
		return errors.New("reboot: no host integration")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := o.host.Reboot(ctx); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
