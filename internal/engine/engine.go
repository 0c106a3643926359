// Package engine implements the reconnection state machine for one
// endpoint: Disconnected, Connecting, Registered and Failed.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/rtckeep/internal/backoff"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/events"
	"github.com/vburojevic/rtckeep/internal/metrics"
	"github.com/vburojevic/rtckeep/internal/netgate"
	"github.com/vburojevic/rtckeep/internal/session"
	"go.uber.org/zap"
)

// Registrar performs the network side of registration.
type Registrar interface {
	Register(ctx context.Context, ep domain.Endpoint) error
	Unregister(ctx context.Context) error
}

// Gate is the connectivity gate as seen by the engine.
type Gate interface {
	HasNetwork() bool
	Subscribe(maintain func() bool, fn func(netgate.Signal)) (cancel func())
}

// FlagStore persists the should-maintain flag shared with the other process.
type FlagStore interface {
	SetShouldMaintain(ctx context.Context, v bool) error
}

// OwnershipReporter is told when this engine becomes the registration owner.
type OwnershipReporter interface {
	ReportActive(ctx context.Context) error
}

// Config holds engine tunables.
type Config struct {
	Owner          domain.Owner
	Ceiling        int           // consecutive failures before scheduling stops
	ConnectTimeout time.Duration // bound on one Register call
}

// Engine owns one endpoint's connection state machine. Create one per
// process through the composition root.
type Engine struct {
	cfg      Config
	ua       Registrar
	policy   backoff.Policy
	gate     Gate
	flags    FlagStore
	reporter OwnershipReporter
	bus      *events.Bus
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracker  *session.Tracker

	mu            sync.Mutex
	state         domain.ConnectionState
	endpoint      *domain.Endpoint
	attempt       domain.ReconnectionAttempt
	maintain      bool
	connecting    bool
	exhausted     bool
	configErr     error
	timer         *clock.Timer
	timerSeq      uint64
	epoch         uint64 // bumped by start, stop, release and endpoint changes
	lastConnected time.Time
	closed        bool

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// Option configures an Engine.
type Option func(*Engine)

func WithGate(g Gate) Option                           { return func(e *Engine) { e.gate = g } }
func WithFlagStore(f FlagStore) Option                 { return func(e *Engine) { e.flags = f } }
func WithOwnershipReporter(r OwnershipReporter) Option { return func(e *Engine) { e.reporter = r } }
func WithBus(b *events.Bus) Option                     { return func(e *Engine) { e.bus = b } }
func WithClock(c clock.Clock) Option                   { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.Logger) Option                  { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option            { return func(e *Engine) { e.metrics = m } }

// New creates a Disconnected engine. It subscribes to protocol events on
// the bus and to connectivity signals until Close.
func New(cfg Config, ua Registrar, policy backoff.Policy, opts ...Option) *Engine {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	e := &Engine{
		cfg:    cfg,
		ua:     ua,
		policy: policy,
		gate:   netgate.New(),
		bus:    events.NewBus(),
		clock:  clock.New(),
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.Named("engine").With(zap.String("owner", string(cfg.Owner)))
	e.tracker = session.NewTracker(cfg.Owner, e.clock)
	e.life, e.cancel = context.WithCancel(context.Background())

	e.unsubs = append(e.unsubs,
		e.bus.Subscribe(e.onProtocolEvent, domain.EventTransport, domain.EventRegistration, domain.EventCall),
		e.gate.Subscribe(e.Maintaining, e.onSignal),
	)
	e.metrics.SetConnectionState(cfg.Owner, domain.StateDisconnected)
	return e
}

// Bus returns the bus the engine publishes on.
func (e *Engine) Bus() *events.Bus { return e.bus }

// State returns the current connection state.
func (e *Engine) State() domain.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Maintaining reports whether the engine is trying to hold a registration.
func (e *Engine) Maintaining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maintain
}

// StartPersistentConnection adopts ep and keeps it registered until Stop
// or Release. With no network it waits for a restore signal.
func (e *Engine) StartPersistentConnection(ctx context.Context, ep domain.Endpoint) error {
	if err := ep.Validate(); err != nil {
		e.failConfig(err)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	e.epoch++
	e.cancelTimerLocked()
	e.endpoint = &ep
	e.maintain = true
	e.configErr = nil
	e.exhausted = false
	e.attempt.Reset()
	e.mu.Unlock()

	e.persistMaintain(ctx, true)

	if !e.gate.HasNetwork() {
		e.log.Info("no network, waiting for restore before connecting")
		return nil
	}
	return e.attemptNow(ctx, "start")
}

// StopPersistentConnection unregisters (best-effort), cancels timers and
// clears the durable should-maintain flag. Calling it again is harmless.
func (e *Engine) StopPersistentConnection(ctx context.Context) error {
	e.shutdown(ctx, "stopped")
	e.persistMaintain(ctx, false)
	return nil
}

// Release gives the registration up so the other process can take it.
// Unlike Stop it leaves the durable flag alone.
func (e *Engine) Release(ctx context.Context) error {
	e.shutdown(ctx, "released")
	return nil
}

func (e *Engine) shutdown(ctx context.Context, reason string) {
	e.mu.Lock()
	e.epoch++
	e.cancelTimerLocked()
	e.maintain = false
	e.exhausted = false
	e.attempt.Reset()
	prev := e.state
	var pending []domain.Event
	if prev != domain.StateDisconnected {
		pending = append(pending, e.transitionLocked(domain.StateDisconnected, reason))
	}
	pending = append(pending, e.tracker.Ended(reason).Events()...)
	e.mu.Unlock()

	e.publish(pending...)

	if prev == domain.StateRegistered || prev == domain.StateConnecting {
		if err := e.ua.Unregister(ctx); err != nil {
			e.log.Warn("unregister failed", zap.String("reason", reason), zap.Error(err))
		}
	}
}

// ForceReconnect resets the attempt counter and attempts right away,
// whatever the current state.
func (e *Engine) ForceReconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.endpoint == nil {
		e.mu.Unlock()
		return domain.ErrNotConfigured
	}
	e.cancelTimerLocked()
	e.attempt.Reset()
	e.exhausted = false
	wasMaintaining := e.maintain
	e.maintain = true
	e.mu.Unlock()

	if !wasMaintaining {
		e.persistMaintain(ctx, true)
	}
	e.metrics.ObserveReconnect(e.cfg.Owner, "force")
	return e.attemptNow(ctx, "force")
}

// UpdateEndpoint swaps the endpoint, clearing any configuration failure.
// A maintaining engine reconnects with the new endpoint.
func (e *Engine) UpdateEndpoint(ctx context.Context, ep domain.Endpoint) error {
	if err := ep.Validate(); err != nil {
		e.failConfig(err)
		return err
	}

	e.mu.Lock()
	e.epoch++
	e.cancelTimerLocked()
	e.endpoint = &ep
	e.configErr = nil
	e.exhausted = false
	e.attempt.Reset()
	maintain := e.maintain
	registered := e.state == domain.StateRegistered
	e.mu.Unlock()

	if !maintain {
		return nil
	}
	if registered {
		if err := e.ua.Unregister(ctx); err != nil {
			e.log.Warn("unregister before endpoint change failed", zap.Error(err))
		}
	}
	if !e.gate.HasNetwork() {
		return nil
	}
	return e.attemptNow(ctx, "endpoint_update")
}

// EnsureConnected starts an attempt when the engine should be registered
// but nothing is in progress or scheduled. Exhausted and misconfigured
// engines are left alone.
func (e *Engine) EnsureConnected(ctx context.Context) error {
	e.mu.Lock()
	idle := e.maintain &&
		e.endpoint != nil &&
		e.configErr == nil &&
		!e.exhausted &&
		!e.connecting &&
		e.timer == nil &&
		e.state != domain.StateRegistered
	e.mu.Unlock()

	if !idle || !e.gate.HasNetwork() {
		return nil
	}
	e.metrics.ObserveReconnect(e.cfg.Owner, "health")
	return e.attemptNow(ctx, "health")
}

// Close cancels timers and subscriptions and waits for background
// attempts. It does not unregister; call Stop or Release first.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.epoch++
	e.cancelTimerLocked()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	e.cancel()
	e.wg.Wait()
}

var errEngineClosed = errors.New("engine: closed")

// attemptNow runs one registration attempt on the caller's goroutine.
// A second caller while one is in flight is dropped.
func (e *Engine) attemptNow(ctx context.Context, trigger string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	if e.connecting {
		e.mu.Unlock()
		e.log.Debug("attempt already in flight, dropping", zap.String("trigger", trigger))
		return nil
	}
	if e.endpoint == nil {
		e.mu.Unlock()
		return domain.ErrNotConfigured
	}
	if e.configErr != nil {
		err := e.configErr
		e.mu.Unlock()
		return err
	}
	e.connecting = true
	epoch := e.epoch
	ep := *e.endpoint
	ev := e.transitionLocked(domain.StateConnecting, trigger)
	e.mu.Unlock()
	e.publish(ev)

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	err := e.ua.Register(attemptCtx, ep)
	cancel()

	e.mu.Lock()
	e.connecting = false
	if epoch != e.epoch || e.closed {
		e.mu.Unlock()
		e.log.Debug("discarding attempt result after lifecycle change", zap.String("trigger", trigger), zap.Error(err))
		if err == nil {
			if uerr := e.ua.Unregister(context.WithoutCancel(ctx)); uerr != nil {
				e.log.Warn("unregister of superseded registration failed", zap.Error(uerr))
			}
		}
		return nil
	}

	if err == nil {
		e.attempt.Reset()
		e.exhausted = false
		e.lastConnected = e.clock.Now()
		pending := []domain.Event{e.transitionLocked(domain.StateRegistered, trigger)}
		pending = append(pending, e.tracker.Registered(ep).Events()...)
		e.mu.Unlock()

		e.metrics.ObserveAttempt(e.cfg.Owner, "success")
		e.publish(pending...)
		if e.reporter != nil {
			if rerr := e.reporter.ReportActive(ctx); rerr != nil {
				e.log.Warn("report ownership failed", zap.Error(rerr))
			}
		}
		return nil
	}

	if domain.IsConfigError(err) {
		e.configErr = err
		ev = e.failedEventLocked(err.Error(), true)
		e.mu.Unlock()
		e.metrics.ObserveAttempt(e.cfg.Owner, "config_error")
		e.log.Error("registration rejected, reconfiguration required", zap.Error(err))
		e.publish(ev)
		return err
	}

	e.attempt.Fail(err.Error())
	ev = e.failedEventLocked(err.Error(), false)
	e.mu.Unlock()
	e.metrics.ObserveAttempt(e.cfg.Owner, "transient")
	e.publish(ev)
	return err
}

// failedEventLocked moves to Failed and schedules the next attempt when
// allowed. The returned event describes both.
func (e *Engine) failedEventLocked(cause string, config bool) domain.Event {
	if !config {
		e.scheduleLocked()
	}
	ev := e.transitionLocked(domain.StateFailed, cause)
	ev.Connection.Config = config
	ev.Connection.Exhausted = e.exhausted
	if !e.attempt.NextAt.IsZero() {
		ev.Connection.NextRetry = e.attempt.NextAt.UTC().Format(time.RFC3339Nano)
	}
	return ev
}

func (e *Engine) failConfig(err error) {
	e.mu.Lock()
	e.configErr = err
	e.cancelTimerLocked()
	ev := e.failedEventLocked(err.Error(), true)
	e.mu.Unlock()
	e.log.Error("invalid endpoint", zap.Error(err))
	e.publish(ev)
}

// scheduleLocked arms the backoff timer if maintaining, under the ceiling
// and online. Otherwise the engine waits in Failed.
func (e *Engine) scheduleLocked() {
	e.cancelTimerLocked()
	if !e.maintain || e.closed {
		return
	}
	if e.attempt.Count >= e.cfg.Ceiling {
		e.exhausted = true
		e.log.Warn("reconnection attempts exhausted", zap.Int("attempts", e.attempt.Count))
		return
	}
	if !e.gate.HasNetwork() {
		e.log.Info("no network, retry deferred until restore", zap.Int("attempt", e.attempt.Count))
		return
	}

	delay := e.policy.Delay(e.attempt.Count)
	e.attempt.NextAt = e.clock.Now().Add(delay)
	e.timerSeq++
	seq := e.timerSeq
	e.timer = e.clock.AfterFunc(delay, func() { e.onTimer(seq) })
	e.log.Info("retry scheduled", zap.Int("attempt", e.attempt.Count), zap.Duration("delay", delay), zap.String("policy", e.policy.Name()))
}

func (e *Engine) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerSeq++
	e.attempt.NextAt = time.Time{}
}

func (e *Engine) onTimer(seq uint64) {
	e.mu.Lock()
	if seq != e.timerSeq || e.closed {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	e.metrics.ObserveReconnect(e.cfg.Owner, "backoff")
	_ = e.attemptNow(e.life, "backoff")
}

func (e *Engine) onSignal(sig netgate.Signal) {
	switch sig {
	case netgate.SignalPause:
		e.mu.Lock()
		// The pending attempt is suppressed, not counted as a failure.
		if e.timer != nil {
			e.log.Info("network lost, pausing retries", zap.Int("attempt", e.attempt.Count))
		}
		e.cancelTimerLocked()
		e.mu.Unlock()

	case netgate.SignalRetryNow:
		e.mu.Lock()
		if e.closed || !e.maintain {
			e.mu.Unlock()
			return
		}
		e.attempt.Reset()
		e.exhausted = false
		skip := e.endpoint == nil || e.configErr != nil || e.state == domain.StateRegistered
		if !skip {
			e.cancelTimerLocked()
		}
		e.wg.Add(1)
		e.mu.Unlock()

		go func() {
			defer e.wg.Done()
			if skip {
				return
			}
			e.metrics.ObserveReconnect(e.cfg.Owner, "network_restore")
			_ = e.attemptNow(e.life, "network_restore")
		}()
	}
}

// onProtocolEvent handles registration loss reported by the protocol
// engine while Registered.
func (e *Engine) onProtocolEvent(ev domain.Event) {
	var cause string
	switch {
	case ev.Transport != nil && !ev.Transport.Connected:
		cause = "transport_drop"
		if ev.Transport.Cause != "" {
			cause += ": " + ev.Transport.Cause
		}
	case ev.Registration != nil && ev.Registration.Status == domain.RegistrationFailed:
		cause = "registration_failed"
		if ev.Registration.Cause != "" {
			cause += ": " + ev.Registration.Cause
		}
	case ev.Registration != nil && ev.Registration.Status == domain.RegistrationUnregistered:
		cause = "unregistered"
	case ev.Registration != nil && ev.Registration.Status == domain.RegistrationRegistered:
		e.onRefresh()
		return
	case ev.Call != nil && ev.Call.State == domain.CallInitiation:
		e.tracker.CountCall()
		return
	default:
		return
	}

	e.mu.Lock()
	if e.state != domain.StateRegistered || e.closed {
		e.mu.Unlock()
		return
	}
	pending := e.tracker.Ended(cause).Events()
	e.attempt.Fail(cause)
	pending = append(pending, e.failedEventLocked(cause, false))
	e.mu.Unlock()

	e.log.Warn("registration lost", zap.String("cause", cause))
	e.publish(pending...)
}

func (e *Engine) onRefresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == domain.StateRegistered && e.endpoint != nil {
		e.tracker.Registered(*e.endpoint)
	}
}

// transitionLocked is the only place state changes.
func (e *Engine) transitionLocked(to domain.ConnectionState, cause string) domain.Event {
	from := e.state
	e.state = to
	if from != to {
		e.log.Info("connection state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("cause", cause),
			zap.Int("attempt", e.attempt.Count),
		)
	}
	e.metrics.SetConnectionState(e.cfg.Owner, to)
	return domain.NewConnectionEvent(e.clock.Now(), domain.ConnectionChange{
		From:    from,
		To:      to,
		Attempt: e.attempt.Count,
		Cause:   cause,
	})
}

func (e *Engine) publish(evs ...domain.Event) {
	for _, ev := range evs {
		ev.Source = e.cfg.Owner
		e.bus.Publish(ev)
	}
}

func (e *Engine) persistMaintain(ctx context.Context, v bool) {
	if e.flags == nil {
		return
	}
	if err := e.flags.SetShouldMaintain(ctx, v); err != nil {
		e.log.Warn("persist should_maintain_connection failed", zap.Bool("value", v), zap.Error(err))
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	Owner         domain.Owner           `json:"owner"`
	State         domain.ConnectionState `json:"state"`
	Maintaining   bool                   `json:"maintaining"`
	Attempts      int                    `json:"attempts"`
	Exhausted     bool                   `json:"exhausted"`
	ConfigError   string                 `json:"config_error,omitempty"`
	LastFailure   string                 `json:"last_failure,omitempty"`
	NextRetry     time.Time              `json:"next_retry,omitempty"`
	LastConnected time.Time              `json:"last_connected,omitempty"`
	Account       string                 `json:"account,omitempty"`
	Session       int                    `json:"session"`
	Summary       string                 `json:"summary"`
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Owner:         e.cfg.Owner,
		State:         e.state,
		Maintaining:   e.maintain,
		Attempts:      e.attempt.Count,
		Exhausted:     e.exhausted,
		LastFailure:   e.attempt.LastFailure,
		NextRetry:     e.attempt.NextAt,
		LastConnected: e.lastConnected,
		Session:       e.tracker.CurrentSession(),
	}
	if e.endpoint != nil {
		st.Account = e.endpoint.AOR()
	}
	if e.configErr != nil {
		st.ConfigError = e.configErr.Error()
	}
	st.Summary = summarize(st)
	return st
}

func summarize(st Status) string {
	switch {
	case st.ConfigError != "":
		return "connection failed, check settings"
	case st.State == domain.StateRegistered:
		return "registered"
	case st.Exhausted:
		return "gave up after " + strconv.Itoa(st.Attempts) + " attempts"
	case !st.Maintaining:
		return "idle"
	default:
		return "reconnecting"
	}
}
