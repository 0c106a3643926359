// Package worker is the background process: it holds the registration
// while the foreground is away and hands it back when the foreground
// reports active.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/engine"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"github.com/vburojevic/rtckeep/internal/metrics"
	"go.uber.org/zap"
)

// Conn is the worker's view of its engine.
type Conn interface {
	StartPersistentConnection(ctx context.Context, ep domain.Endpoint) error
	StopPersistentConnection(ctx context.Context) error
	Release(ctx context.Context) error
	ForceReconnect(ctx context.Context) error
	UpdateEndpoint(ctx context.Context, ep domain.Endpoint) error
	EnsureConnected(ctx context.Context) error
	Status() engine.Status
}

// Ownership is the worker's view of the arbiter.
type Ownership interface {
	ReportActive(ctx context.Context) error
	ReportInactive(ctx context.Context) error
	Resign(ctx context.Context) error
	IsForegroundActive(ctx context.Context) bool
	ShouldHoldRegistration(ctx context.Context) bool
}

// Repository is the part of the shared store the worker reads directly.
type Repository interface {
	EndpointStore
	ShouldMaintain(ctx context.Context) (bool, error)
}

// ActionHandler receives notification actions relayed by the foreground.
type ActionHandler interface {
	HandleAction(ctx context.Context, action, callID string) error
}

// Custody reports calls received on the worker's registration that have
// not ended yet. *handoff.Coordinator satisfies it.
type Custody interface {
	HasCallInCustody() bool
}

// Config holds worker timing.
type Config struct {
	HealthInterval time.Duration
	CoarseInterval time.Duration
	LoadTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 20 * time.Second
	}
	if c.CoarseInterval <= 0 {
		c.CoarseInterval = 60 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
}

// Worker reconciles the engine against the shared store.
type Worker struct {
	cfg     Config
	conn    Conn
	owner   Ownership
	repo    Repository
	tiers   []EndpointTier
	actions ActionHandler
	custody Custody
	changes <-chan struct{}
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	// reconcile is serialized; the tickers, the watcher and IPC all call it
	mu       sync.Mutex
	endpoint *domain.Endpoint
	tier     string
	owning   bool
}

type Option func(*Worker)

func WithTiers(tiers ...EndpointTier) Option { return func(w *Worker) { w.tiers = tiers } }

func WithActions(h ActionHandler) Option { return func(w *Worker) { w.actions = h } }

// WithCustody holds the registration while a call received on it is live.
func WithCustody(c Custody) Option { return func(w *Worker) { w.custody = c } }

// WithChanges triggers an early reconciliation whenever the channel fires.
func WithChanges(ch <-chan struct{}) Option { return func(w *Worker) { w.changes = ch } }

func WithClock(c clock.Clock) Option { return func(w *Worker) { w.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

// New builds a worker. Without WithTiers only the store is consulted.
func New(cfg Config, conn Conn, owner Ownership, repo Repository, opts ...Option) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		cfg:   cfg,
		conn:  conn,
		owner: owner,
		repo:  repo,
		clock: clock.New(),
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(w)
	}
	if len(w.tiers) == 0 {
		w.tiers = []EndpointTier{StoreTier{Store: repo}}
	}
	w.log = w.log.Named("worker")
	return w
}

// Run loads the endpoint, reconciles once and then keeps reconciling on
// the health and coarse tickers until ctx is done. On exit the
// registration is released and the worker reports inactive.
func (w *Worker) Run(ctx context.Context) error {
	ep, tier, err := LoadEndpoint(ctx, w.repo, w.tiers, w.cfg.LoadTimeout, w.log)
	switch {
	case err == nil:
		w.mu.Lock()
		w.endpoint, w.tier = &ep, tier
		w.mu.Unlock()
	case errors.Is(err, domain.ErrNotConfigured):
		w.log.Info("no endpoint configured yet, waiting for updateEndpoint")
	default:
		return fmt.Errorf("load endpoint: %w", err)
	}

	w.Reconcile(ctx, "start")

	health := w.clock.Ticker(w.cfg.HealthInterval)
	defer health.Stop()
	coarse := w.clock.Ticker(w.cfg.CoarseInterval)
	defer coarse.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case <-health.C:
			w.Reconcile(ctx, "health")
		case <-coarse.C:
			w.Reconcile(ctx, "coarse")
		case <-w.changes:
			w.Reconcile(ctx, "store_change")
		}
	}
}

// shutdown runs after ctx is gone, so it uses a fresh bounded context.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.LoadTimeout)
	defer cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.Release(ctx); err != nil {
		w.log.Warn("release on shutdown failed", zap.Error(err))
	}
	if w.owning {
		if err := w.owner.Resign(ctx); err != nil {
			w.log.Warn("resign failed", zap.Error(err))
		}
		w.owning = false
	}
	w.log.Info("worker stopped")
}

// Reconcile applies one health decision and returns what it did.
func (w *Worker) Reconcile(ctx context.Context, pass string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.refreshEndpointLocked(ctx)

	maintain, err := w.repo.ShouldMaintain(ctx)
	if err != nil {
		w.log.Warn("read should_maintain_connection failed", zap.Error(err))
	}
	st := w.conn.Status()
	in := healthInput{
		Configured:       w.endpoint != nil,
		ShouldMaintain:   maintain,
		Maintaining:      st.Maintaining,
		Registered:       st.State == domain.StateRegistered,
		ForegroundActive: !w.owner.ShouldHoldRegistration(ctx),
		CallInCustody:    w.custody != nil && w.custody.HasCallInCustody(),
	}
	act := decide(in)
	w.metrics.ObserveHealthCheck(pass, string(act))
	if act != actionNone {
		w.log.Info("health check",
			zap.String("pass", pass),
			zap.String("action", string(act)),
			zap.Stringer("state", st.State),
			zap.Bool("foreground_active", in.ForegroundActive),
			zap.Bool("call_in_custody", in.CallInCustody))
	}

	switch act {
	case actionStart:
		w.startLocked(ctx)
	case actionEnsure:
		if err := w.conn.EnsureConnected(ctx); err != nil {
			w.log.Warn("ensure connected failed", zap.Error(err))
		}
	case actionRelease:
		if err := w.conn.Release(ctx); err != nil {
			w.log.Warn("release failed", zap.Error(err))
		}
		w.reportInactiveLocked(ctx)
	}
	return string(act)
}

func (w *Worker) startLocked(ctx context.Context) {
	if err := w.owner.ReportActive(ctx); err != nil {
		w.log.Warn("report active failed", zap.Error(err))
	}
	w.owning = true
	if err := w.conn.StartPersistentConnection(ctx, *w.endpoint); err != nil {
		w.log.Warn("start failed", zap.Error(err))
	}
}

func (w *Worker) reportInactiveLocked(ctx context.Context) {
	if !w.owning {
		return
	}
	if err := w.owner.ReportInactive(ctx); err != nil {
		w.log.Warn("report inactive failed", zap.Error(err))
	}
	w.owning = false
}

// refreshEndpointLocked picks up an endpoint written by the peer.
func (w *Worker) refreshEndpointLocked(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, w.cfg.LoadTimeout)
	defer cancel()
	ep, err := w.repo.LoadEndpoint(lctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotConfigured) {
			w.log.Warn("reload endpoint failed", zap.Error(err))
		}
		return
	}
	if w.endpoint != nil && *w.endpoint == ep {
		return
	}
	if err := ep.Validate(); err != nil {
		w.log.Warn("stored endpoint is invalid", zap.Error(err))
		return
	}
	changed := w.endpoint != nil
	w.endpoint, w.tier = &ep, "store"
	if changed {
		w.log.Info("endpoint changed in store", zap.String("aor", ep.AOR()))
		if err := w.conn.UpdateEndpoint(ctx, ep); err != nil {
			w.log.Warn("apply endpoint failed", zap.Error(err))
		}
	}
}

// Owning reports whether the worker last claimed ownership.
func (w *Worker) Owning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owning
}

// Status is what ping returns.
type Status struct {
	engine.Status
	Owning           bool   `json:"owning"`
	ForegroundActive bool   `json:"foreground_active"`
	EndpointTier     string `json:"endpoint_tier,omitempty"`
}

func (w *Worker) Status(ctx context.Context) Status {
	w.mu.Lock()
	owning, tier := w.owning, w.tier
	w.mu.Unlock()
	return Status{
		Status:           w.conn.Status(),
		Owning:           owning,
		ForegroundActive: w.owner.IsForegroundActive(ctx),
		EndpointTier:     tier,
	}
}

// HandleMessage serves the worker socket.
func (w *Worker) HandleMessage(ctx context.Context, m ipc.Message) (*ipc.Message, error) {
	switch m.Type {
	case ipc.TypeUpdateEndpoint:
		if m.Endpoint == nil {
			return nil, errors.New("updateEndpoint without endpoint")
		}
		return nil, w.updateEndpoint(ctx, *m.Endpoint)
	case ipc.TypeStop:
		return nil, w.stop(ctx)
	case ipc.TypePing:
		r, err := m.Pong(w.Status(ctx))
		return &r, err
	case ipc.TypeNotificationAction:
		if m.Action == nil {
			return nil, errors.New("notificationAction without action")
		}
		if w.actions == nil {
			return nil, errors.New("no call handler")
		}
		return nil, w.actions.HandleAction(ctx, m.Action.Action, m.Action.CallID)
	case ipc.TypeForceReconnect:
		return nil, w.forceReconnect(ctx)
	}
	return nil, fmt.Errorf("unsupported message type %q", m.Type)
}

func (w *Worker) updateEndpoint(ctx context.Context, ep domain.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.repo.SaveEndpoint(ctx, ep); err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}
	w.endpoint, w.tier = &ep, "store"
	if w.conn.Status().Maintaining || w.owner.IsForegroundActive(ctx) {
		return w.conn.UpdateEndpoint(ctx, ep)
	}
	w.startLocked(ctx)
	return nil
}

func (w *Worker) stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.StopPersistentConnection(ctx); err != nil {
		return err
	}
	w.reportInactiveLocked(ctx)
	w.log.Info("stopped by request")
	return nil
}

func (w *Worker) forceReconnect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.owner.IsForegroundActive(ctx) {
		return errors.New("foreground holds the registration")
	}
	if w.endpoint == nil {
		return domain.ErrNotConfigured
	}
	if !w.owning {
		if err := w.owner.ReportActive(ctx); err != nil {
			w.log.Warn("report active failed", zap.Error(err))
		}
		w.owning = true
	}
	if !w.conn.Status().Maintaining {
		return w.conn.StartPersistentConnection(ctx, *w.endpoint)
	}
	return w.conn.ForceReconnect(ctx)
}
