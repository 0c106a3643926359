// Package arbiter decides which process owns the registration, using
// heartbeat records in the shared store.
package arbiter

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/events"
	"github.com/vburojevic/rtckeep/internal/filter"
	"github.com/vburojevic/rtckeep/internal/metrics"
	"go.uber.org/zap"
)

// Store is the durable side of arbitration. *state.Repository satisfies it.
type Store interface {
	Ownership(ctx context.Context, owner domain.Owner) (domain.OwnershipRecord, error)
	WriteOwnership(ctx context.Context, rec domain.OwnershipRecord) error
}

// Config holds arbitration timing.
type Config struct {
	Owner         domain.Owner
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	Staleness     time.Duration `mapstructure:"staleness"`
	CallStaleness time.Duration `mapstructure:"call_staleness"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

// DefaultConfig returns the standard thresholds for owner.
func DefaultConfig(owner domain.Owner) Config {
	return Config{
		Owner:         owner,
		Heartbeat:     15 * time.Second,
		Staleness:     domain.OwnershipStaleness,
		CallStaleness: domain.CallOwnershipStaleness,
		Debounce:      2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.Owner)
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.Staleness <= 0 {
		c.Staleness = d.Staleness
	}
	if c.CallStaleness <= 0 {
		c.CallStaleness = d.CallStaleness
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
}

// Arbiter reports this process's ownership and reads the peer's.
type Arbiter struct {
	cfg     Config
	store   Store
	clock   clock.Clock
	log     *zap.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	// debounce holds the last written state; a repeat inside the window is dropped.
	debounce *filter.DedupeFilter

	mu        sync.Mutex
	reported  bool
	written   bool
	pending   *bool
	deferred  *clock.Timer
	seq       uint64
	listeners []func(active bool)
}

// Option configures an Arbiter.
type Option func(*Arbiter)

func WithClock(c clock.Clock) Option { return func(a *Arbiter) { a.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(a *Arbiter) { a.log = l } }

// WithBus publishes an ownership event on every write that flips state.
func WithBus(b *events.Bus) Option { return func(a *Arbiter) { a.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Arbiter) { a.metrics = m } }

// New creates an arbiter for cfg.Owner.
func New(cfg Config, store Store, opts ...Option) *Arbiter {
	cfg.applyDefaults()
	a := &Arbiter{
		cfg:   cfg,
		store: store,
		clock: clock.New(),
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.Named("arbiter").With(zap.String("owner", string(cfg.Owner)))
	a.debounce = filter.NewDedupeFilter(cfg.Debounce, a.clock)
	return a
}

// Owner returns the owner this arbiter reports for.
func (a *Arbiter) Owner() domain.Owner { return a.cfg.Owner }

// OnChange registers fn to run after a write that flips the reported state.
func (a *Arbiter) OnChange(fn func(active bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// ReportActive records that this process holds or wants the registration.
func (a *Arbiter) ReportActive(ctx context.Context) error {
	return a.report(ctx, true)
}

// ReportInactive records that this process has given the registration up.
func (a *Arbiter) ReportInactive(ctx context.Context) error {
	return a.report(ctx, false)
}

// Reported returns the last written state and whether anything was written.
func (a *Arbiter) Reported() (active, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reported, a.written
}

func stateKey(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func (a *Arbiter) report(ctx context.Context, active bool) error {
	a.mu.Lock()
	if a.pending != nil {
		a.pending = &active
		a.mu.Unlock()
		a.log.Debug("ownership report coalesced into deferred write", zap.Bool("active", active))
		return nil
	}

	if a.written {
		current := stateKey(a.reported)
		if left := a.debounce.Remaining(current); left > 0 {
			if active == a.reported {
				a.debounce.Check(current)
				a.mu.Unlock()
				a.log.Debug("duplicate ownership report ignored", zap.Bool("active", active))
				return nil
			}
			a.pending = &active
			a.seq++
			seq := a.seq
			a.deferred = a.clock.AfterFunc(left, func() { a.flush(seq) })
			a.mu.Unlock()
			a.log.Debug("ownership flip deferred", zap.Bool("active", active), zap.Duration("in", left))
			return nil
		}
	}
	a.mu.Unlock()

	return a.write(ctx, active)
}

func (a *Arbiter) flush(seq uint64) {
	a.mu.Lock()
	if seq != a.seq || a.pending == nil {
		a.mu.Unlock()
		return
	}
	active := *a.pending
	a.pending = nil
	a.deferred = nil
	a.mu.Unlock()

	if err := a.write(context.Background(), active); err != nil {
		a.log.Warn("deferred ownership write failed", zap.Bool("active", active), zap.Error(err))
	}
}

// write stores the record and notifies listeners when the state flipped.
func (a *Arbiter) write(ctx context.Context, active bool) error {
	now := a.clock.Now()
	rec := domain.OwnershipRecord{Owner: a.cfg.Owner, Active: active, Heartbeat: now}
	if err := a.store.WriteOwnership(ctx, rec); err != nil {
		return err
	}

	a.mu.Lock()
	flipped := !a.written || a.reported != active
	a.reported = active
	a.written = true
	a.debounce.Reset()
	a.debounce.Check(stateKey(active))
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	if !flipped {
		return nil
	}
	a.log.Info("ownership reported", zap.Bool("active", active))
	a.metrics.ObserveOwnership(a.cfg.Owner, active)
	if a.bus != nil {
		ev := domain.NewOwnershipEvent(now, a.cfg.Owner, active)
		ev.Source = a.cfg.Owner
		a.bus.Publish(ev)
	}
	for _, fn := range listeners {
		fn(active)
	}
	return nil
}

// Heartbeat rewrites the current state with a fresh timestamp. Nothing
// is written before the first report.
func (a *Arbiter) Heartbeat(ctx context.Context) error {
	a.mu.Lock()
	if !a.written || a.pending != nil {
		a.mu.Unlock()
		return nil
	}
	active := a.reported
	a.mu.Unlock()
	return a.write(ctx, active)
}

// Run heartbeats until ctx is done.
func (a *Arbiter) Run(ctx context.Context) {
	ticker := a.clock.Ticker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Heartbeat(ctx); err != nil {
				a.log.Warn("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

// Resign writes inactive immediately, dropping any deferred write. It is
// meant for process exit, where a debounced write would be lost.
func (a *Arbiter) Resign(ctx context.Context) error {
	a.Close()
	a.mu.Lock()
	if a.written && !a.reported {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return a.write(ctx, false)
}

// Close drops any deferred write.
func (a *Arbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.pending = nil
	if a.deferred != nil {
		a.deferred.Stop()
		a.deferred = nil
	}
}

func (a *Arbiter) record(ctx context.Context, owner domain.Owner) (domain.OwnershipRecord, bool) {
	rec, err := a.store.Ownership(ctx, owner)
	if err != nil {
		a.log.Warn("read ownership failed", zap.String("of", string(owner)), zap.Error(err))
		return rec, false
	}
	return rec, true
}

// Record returns the stored record for owner.
func (a *Arbiter) Record(ctx context.Context, owner domain.Owner) (domain.OwnershipRecord, error) {
	return a.store.Ownership(ctx, owner)
}

// IsForegroundActive is true when the foreground claims ownership and its
// heartbeat is within the staleness threshold. Unreadable records count
// as inactive.
func (a *Arbiter) IsForegroundActive(ctx context.Context) bool {
	rec, ok := a.record(ctx, domain.OwnerForeground)
	return ok && rec.ActiveAt(a.clock.Now(), a.cfg.Staleness)
}

// IsForegroundHandlingCalls applies the tighter call threshold.
func (a *Arbiter) IsForegroundHandlingCalls(ctx context.Context) bool {
	rec, ok := a.record(ctx, domain.OwnerForeground)
	return ok && rec.ActiveAt(a.clock.Now(), a.cfg.CallStaleness)
}

func (a *Arbiter) IsOwnershipStale(ctx context.Context, owner domain.Owner, threshold time.Duration) bool {
	rec, ok := a.record(ctx, owner)
	return !ok || rec.IsStale(a.clock.Now(), threshold)
}

// ShouldHoldRegistration is true unless the peer is active and fresh.
func (a *Arbiter) ShouldHoldRegistration(ctx context.Context) bool {
	rec, ok := a.record(ctx, a.cfg.Owner.Peer())
	if !ok {
		return true
	}
	return !rec.ActiveAt(a.clock.Now(), a.cfg.Staleness)
}
