// Package handoff moves incoming calls from the background worker to the
// foreground process, auto-answering when nobody claims them in time.
package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/rtckeep/internal/bridge"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/events"
	"github.com/vburojevic/rtckeep/internal/filter"
	"github.com/vburojevic/rtckeep/internal/metrics"
	"go.uber.org/zap"
)

// CallControl is the protocol engine's call surface.
type CallControl interface {
	Answer(ctx context.Context, callID string, video bool) error
	Hangup(ctx context.Context, callID, code string) error
	Lookup(callID string) (domain.CallChange, bool)
}

// Descriptors persists the forwarded-call descriptor.
type Descriptors interface {
	Forwarded(ctx context.Context) (*domain.ForwardedCallDescriptor, error)
	WriteForwarded(ctx context.Context, d domain.ForwardedCallDescriptor) error
	ClearForwardedIf(ctx context.Context, callID string) (bool, error)
}

// ForegroundProbe tells whether the foreground can take calls itself.
type ForegroundProbe interface {
	IsForegroundHandlingCalls(ctx context.Context) bool
}

// Announcer tells the foreground process about a forwarded call over the
// message channel. Delivery is best-effort.
type Announcer interface {
	CallForwarded(ctx context.Context, d domain.ForwardedCallDescriptor) error
	ForceOpenApp(ctx context.Context, caller, callID string) error
}

// Config holds handoff timing.
type Config struct {
	Owner               domain.Owner
	AutoAnswerAfter     time.Duration   `mapstructure:"auto_answer_after"`
	ForceForeground     []time.Duration `mapstructure:"force_foreground"`
	Video               bool            `mapstructure:"video"`
	DescriptorStaleness time.Duration   `mapstructure:"descriptor_staleness"`
}

// DefaultConfig returns the standard handoff timing for owner.
func DefaultConfig(owner domain.Owner) Config {
	return Config{
		Owner:               owner,
		AutoAnswerAfter:     15 * time.Second,
		ForceForeground:     []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, time.Second},
		DescriptorStaleness: domain.CallOwnershipStaleness,
	}
}

type entry struct {
	rec      *domain.CallRecord
	gen      uint64
	fallback *clock.Timer
	launches []*clock.Timer
}

func (e *entry) stopTimers() {
	e.gen++
	if e.fallback != nil {
		e.fallback.Stop()
		e.fallback = nil
	}
	for _, t := range e.launches {
		t.Stop()
	}
	e.launches = nil
}

// Coordinator runs the per-call handoff state machine for one process.
type Coordinator struct {
	cfg       Config
	calls     CallControl
	store     Descriptors
	fg        ForegroundProbe
	ui        bridge.Bridge
	notifier  bridge.Notifier
	announcer Announcer
	bus       *events.Bus
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	owning    func() bool

	// duplicates drops repeated call signals for the same id and state.
	duplicates *filter.DedupeFilter

	mu      sync.Mutex
	records map[string]*entry
	unsub   func()

	// call signals from the bus, handled in arrival order by drain
	qmu       sync.Mutex
	queue     []domain.CallChange
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(h *Coordinator) { h.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(h *Coordinator) { h.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Coordinator) { h.metrics = m } }

func WithNotifier(n bridge.Notifier) Option { return func(h *Coordinator) { h.notifier = n } }

func WithAnnouncer(a Announcer) Option { return func(h *Coordinator) { h.announcer = a } }

func WithForegroundProbe(p ForegroundProbe) Option {
	return func(h *Coordinator) { h.fg = p }
}

// WithOwning gates announcements on this process holding the registration.
func WithOwning(fn func() bool) Option { return func(h *Coordinator) { h.owning = fn } }

// WithBus subscribes the coordinator to call events and publishes handoff
// transitions.
func WithBus(b *events.Bus) Option { return func(h *Coordinator) { h.bus = b } }

// New creates a coordinator. Call Close to detach it from the bus.
func New(cfg Config, calls CallControl, store Descriptors, ui bridge.Bridge, opts ...Option) *Coordinator {
	d := DefaultConfig(cfg.Owner)
	if cfg.AutoAnswerAfter <= 0 {
		cfg.AutoAnswerAfter = d.AutoAnswerAfter
	}
	if cfg.ForceForeground == nil {
		cfg.ForceForeground = d.ForceForeground
	}
	if cfg.DescriptorStaleness <= 0 {
		cfg.DescriptorStaleness = d.DescriptorStaleness
	}
	h := &Coordinator{
		cfg:     cfg,
		calls:   calls,
		store:   store,
		ui:      ui,
		clock:   clock.New(),
		log:     zap.NewNop(),
		owning:  func() bool { return true },
		records: make(map[string]*entry),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.Named("handoff").With(zap.String("owner", string(cfg.Owner)))
	h.duplicates = filter.NewDedupeFilter(time.Second, h.clock)
	if h.bus != nil {
		h.wake = make(chan struct{}, 1)
		h.done = make(chan struct{})
		h.wg.Add(1)
		go h.drain()
		h.unsub = h.bus.Subscribe(h.onCallEvent, domain.EventCall)
	}
	return h
}

// Close detaches from the bus, waits for the signal in hand and stops
// every timer. Queued signals are dropped.
func (h *Coordinator) Close() {
	if h.unsub != nil {
		h.unsub()
	}
	h.closeOnce.Do(func() {
		if h.done != nil {
			close(h.done)
		}
	})
	h.wg.Wait()
	h.mu.Lock()
	for _, e := range h.records {
		e.stopTimers()
	}
	h.mu.Unlock()
}

// onCallEvent runs on the publisher's goroutine, so it only queues.
func (h *Coordinator) onCallEvent(ev domain.Event) {
	c := *ev.Call
	if !h.duplicates.Check(c.CallID + "/" + string(c.State)).ShouldEmit {
		return
	}
	h.qmu.Lock()
	h.queue = append(h.queue, c)
	h.qmu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Coordinator) drain() {
	defer h.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}
		for {
			h.qmu.Lock()
			if len(h.queue) == 0 {
				h.qmu.Unlock()
				break
			}
			c := h.queue[0]
			h.queue = h.queue[1:]
			h.qmu.Unlock()
			h.HandleCall(ctx, c)
		}
	}
}

// HandleCall applies one call signal from the protocol engine.
func (h *Coordinator) HandleCall(ctx context.Context, c domain.CallChange) {
	switch {
	case c.State.Terminal():
		h.terminate(ctx, c.CallID, string(c.State))
	case c.State == domain.CallInitiation && c.Direction == domain.DirectionIncoming:
		if h.cfg.Owner == domain.OwnerForeground {
			if _, err := h.Takeover(ctx); err != nil {
				h.log.Warn("takeover on incoming call failed", zap.String("call_id", c.CallID), zap.Error(err))
			}
			return
		}
		h.announce(ctx, c)
	default:
		h.mu.Lock()
		if e, ok := h.records[c.CallID]; ok {
			e.rec.State = c.State
		}
		h.mu.Unlock()
	}
}

// HasCallInCustody reports whether a call this process received is still
// live here. Its registration carries the call and must not be released.
func (h *Coordinator) HasCallInCustody() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.records {
		if e.rec.Owner == h.cfg.Owner {
			return true
		}
	}
	return false
}

// Record returns a copy of the live record for callID.
func (h *Coordinator) Record(callID string) (domain.CallRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.records[callID]
	if !ok {
		return domain.CallRecord{}, false
	}
	return *e.rec, true
}

func (h *Coordinator) announce(ctx context.Context, c domain.CallChange) {
	if !h.owning() {
		h.log.Debug("not the registration owner, ignoring call", zap.String("call_id", c.CallID))
		return
	}

	now := h.clock.Now()
	h.mu.Lock()
	if _, known := h.records[c.CallID]; known {
		h.mu.Unlock()
		return
	}
	rec := &domain.CallRecord{
		ID:        c.CallID,
		Direction: c.Direction,
		Remote:    c.Remote,
		State:     c.State,
		Handoff:   domain.HandoffAnnounced,
		Owner:     h.cfg.Owner,
		CreatedAt: now,
	}
	e := &entry{rec: rec}
	h.records[c.CallID] = e
	gen := e.gen
	desc := domain.DescriptorFor(rec, now)

	e.fallback = h.clock.AfterFunc(h.cfg.AutoAnswerAfter, func() { h.onFallback(c.CallID, gen) })
	for tier, offset := range h.cfg.ForceForeground {
		if offset <= 0 {
			continue
		}
		e.launches = append(e.launches, h.clock.AfterFunc(offset, func() { h.launch(c.CallID, c.Remote, tier, gen) }))
	}
	h.mu.Unlock()

	h.log.Info("incoming call announced", zap.String("call_id", c.CallID), zap.String("caller", c.Remote))
	h.publish(domain.HandoffChange{CallID: c.CallID, Caller: c.Remote, From: domain.HandoffNone, To: domain.HandoffAnnounced})

	if err := h.store.WriteForwarded(ctx, desc); err != nil {
		h.log.Warn("write forwarded call descriptor failed", zap.String("call_id", c.CallID), zap.Error(err))
	}
	if h.notifier != nil {
		err := h.notifier.Notify(ctx, bridge.Notification{
			CallID:  c.CallID,
			Title:   "Incoming call",
			Body:    c.Remote,
			Actions: []string{bridge.ActionAnswer, bridge.ActionDecline},
		})
		if err != nil {
			h.log.Warn("call notification failed", zap.String("call_id", c.CallID), zap.Error(err))
		}
	}
	if h.announcer != nil {
		if err := h.announcer.CallForwarded(ctx, desc); err != nil {
			h.log.Debug("foreground not reachable for call announcement", zap.Error(err))
		}
	}
	for tier, offset := range h.cfg.ForceForeground {
		if offset <= 0 {
			h.launch(c.CallID, c.Remote, tier, gen)
		}
	}
}

// launch is one tier of the redundant bring-to-foreground schedule.
func (h *Coordinator) launch(callID, caller string, tier int, gen uint64) {
	h.mu.Lock()
	e, ok := h.records[callID]
	live := ok && e.gen == gen && e.rec.Handoff == domain.HandoffAnnounced
	h.mu.Unlock()
	if !live {
		return
	}

	ctx := context.Background()
	err := h.ui.ForceForeground(ctx, callID, caller, tier)
	h.metrics.ObserveForceForeground(err == nil)
	if err == nil {
		return
	}
	h.log.Warn("force foreground failed", zap.String("call_id", callID), zap.Int("retry_tier", tier), zap.Error(err))
	if h.announcer != nil {
		if aerr := h.announcer.ForceOpenApp(ctx, caller, callID); aerr != nil {
			h.log.Debug("force open over message channel failed", zap.Error(aerr))
		}
	}
}

type fallbackAction int

const (
	fallbackSkip fallbackAction = iota
	fallbackDefer
	fallbackExpire
	fallbackAnswer
)

// fallbackDecision picks what the auto-answer timer does.
func fallbackDecision(handoff domain.HandoffState, foregroundHandling, ringing bool) fallbackAction {
	switch {
	case handoff != domain.HandoffAnnounced:
		return fallbackSkip
	case foregroundHandling:
		return fallbackDefer
	case !ringing:
		return fallbackExpire
	default:
		return fallbackAnswer
	}
}

func (h *Coordinator) onFallback(callID string, gen uint64) {
	ctx := context.Background()

	h.mu.Lock()
	e, ok := h.records[callID]
	if !ok || e.gen != gen {
		h.mu.Unlock()
		return
	}
	e.fallback = nil
	handoff := e.rec.Handoff
	caller := e.rec.Remote
	h.mu.Unlock()

	foreground := h.fg != nil && h.fg.IsForegroundHandlingCalls(ctx)
	live, found := h.calls.Lookup(callID)
	ringing := found && live.State.Ringing()

	switch fallbackDecision(handoff, foreground, ringing) {
	case fallbackSkip:
		return
	case fallbackDefer:
		h.log.Info("foreground is handling calls, leaving the decision to the user", zap.String("call_id", callID))
		h.rearm(callID, gen)
	case fallbackExpire:
		if h.settle(callID, gen, domain.HandoffExpired, "not_ringing") {
			h.clearDescriptor(ctx, callID)
		}
	case fallbackAnswer:
		if err := h.calls.Answer(ctx, callID, h.cfg.Video); err != nil {
			h.log.Error("auto-answer failed", zap.String("call_id", callID), zap.Error(err))
			if h.settle(callID, gen, domain.HandoffExpired, "auto_answer_failed") {
				h.clearDescriptor(ctx, callID)
			}
			return
		}
		if !h.settle(callID, gen, domain.HandoffAutoAnswered, "fallback") {
			return
		}
		h.mu.Lock()
		var desc domain.ForwardedCallDescriptor
		if e, ok := h.records[callID]; ok {
			desc = domain.DescriptorFor(e.rec, h.clock.Now())
		}
		h.mu.Unlock()
		if desc.CallID != "" {
			if err := h.store.WriteForwarded(ctx, desc); err != nil {
				h.log.Warn("update forwarded call descriptor failed", zap.Error(err))
			}
		}
		if h.notifier != nil {
			err := h.notifier.Notify(ctx, bridge.Notification{
				CallID: callID,
				Title:  "Call active",
				Body:   "Open the app to continue the call with " + caller,
			})
			if err != nil {
				h.log.Warn("call active notification failed", zap.Error(err))
			}
		}
	}
}

// rearm gives an Announced call another fallback window. The actions and
// the descriptor stay valid meanwhile.
func (h *Coordinator) rearm(callID string, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.records[callID]
	if !ok || e.gen != gen || e.rec.Handoff != domain.HandoffAnnounced {
		return
	}
	e.fallback = h.clock.AfterFunc(h.cfg.AutoAnswerAfter, func() { h.onFallback(callID, gen) })
}

// settle moves an Announced call to a final handoff state. It reports
// false when the call already moved on.
func (h *Coordinator) settle(callID string, gen uint64, to domain.HandoffState, reason string) bool {
	h.mu.Lock()
	e, ok := h.records[callID]
	if !ok || e.gen != gen || e.rec.Handoff != domain.HandoffAnnounced {
		h.mu.Unlock()
		return false
	}
	from := e.rec.Handoff
	e.rec.Handoff = to
	e.stopTimers()
	caller := e.rec.Remote
	h.mu.Unlock()

	h.log.Info("handoff settled", zap.String("call_id", callID), zap.String("state", string(to)), zap.String("reason", reason))
	h.metrics.ObserveHandoff(to)
	h.publish(domain.HandoffChange{CallID: callID, Caller: caller, From: from, To: to, Reason: reason})
	return true
}

// Answer handles the answer notification action. Unknown calls are ignored.
func (h *Coordinator) Answer(ctx context.Context, callID string) error {
	h.mu.Lock()
	e, ok := h.records[callID]
	if !ok || e.rec.Handoff != domain.HandoffAnnounced {
		h.mu.Unlock()
		h.log.Debug("answer for unknown or settled call", zap.String("call_id", callID))
		return nil
	}
	gen := e.gen
	h.mu.Unlock()

	if err := h.calls.Answer(ctx, callID, h.cfg.Video); err != nil {
		return err
	}
	if h.settle(callID, gen, domain.HandoffClaimed, "answered") {
		h.clearDescriptor(ctx, callID)
	}
	return nil
}

// Decline handles the decline notification action. Unknown calls are ignored.
func (h *Coordinator) Decline(ctx context.Context, callID string) error {
	h.mu.Lock()
	e, ok := h.records[callID]
	if !ok || e.rec.Handoff != domain.HandoffAnnounced {
		h.mu.Unlock()
		h.log.Debug("decline for unknown or settled call", zap.String("call_id", callID))
		return nil
	}
	gen := e.gen
	h.mu.Unlock()

	if err := h.calls.Hangup(ctx, callID, domain.DeclineCode); err != nil {
		return err
	}
	if h.settle(callID, gen, domain.HandoffDeclined, "declined") {
		h.mu.Lock()
		delete(h.records, callID)
		h.mu.Unlock()
		h.clearDescriptor(ctx, callID)
	}
	return nil
}

// HandleAction dispatches a notification action by name.
func (h *Coordinator) HandleAction(ctx context.Context, action, callID string) error {
	switch action {
	case bridge.ActionAnswer:
		return h.Answer(ctx, callID)
	case bridge.ActionDecline:
		return h.Decline(ctx, callID)
	}
	h.log.Warn("unknown notification action", zap.String("action", action))
	return nil
}

// TakeoverOutcome describes what Takeover did.
type TakeoverOutcome string

const (
	TakeoverNone    TakeoverOutcome = "none"
	TakeoverClaimed TakeoverOutcome = "claimed"
	TakeoverStale   TakeoverOutcome = "stale"
	TakeoverUnknown TakeoverOutcome = "unknown"
)

// Takeover claims the call described by the forwarded-call descriptor if
// this process knows it. Stale or unmatched descriptors are discarded.
func (h *Coordinator) Takeover(ctx context.Context) (TakeoverOutcome, error) {
	d, err := h.store.Forwarded(ctx)
	if err != nil {
		return TakeoverNone, err
	}
	if d == nil {
		return TakeoverNone, nil
	}

	now := h.clock.Now()
	if d.IsStale(now, h.cfg.DescriptorStaleness) {
		h.log.Info("discarding stale forwarded call", zap.String("call_id", d.CallID), zap.Time("forwarded_at", d.Timestamp))
		h.clearDescriptor(ctx, d.CallID)
		return TakeoverStale, nil
	}
	live, ok := h.calls.Lookup(d.CallID)
	if !ok {
		h.log.Info("forwarded call is not known here, discarding", zap.String("call_id", d.CallID))
		h.clearDescriptor(ctx, d.CallID)
		return TakeoverUnknown, nil
	}

	h.mu.Lock()
	e, known := h.records[d.CallID]
	if !known {
		e = &entry{rec: &domain.CallRecord{
			ID:        d.CallID,
			Direction: d.Direction,
			Remote:    d.Caller,
			State:     live.State,
			Handoff:   d.State,
			Owner:     domain.OwnerBackground,
			CreatedAt: d.Timestamp,
		}}
		h.records[d.CallID] = e
	}
	if err := e.rec.Reassign(domain.OwnerForeground); err != nil {
		h.mu.Unlock()
		h.log.Debug("call already taken over", zap.String("call_id", d.CallID))
		return TakeoverClaimed, nil
	}
	from := e.rec.Handoff
	e.rec.Handoff = domain.HandoffClaimed
	e.stopTimers()
	h.mu.Unlock()

	if err := h.ui.ShowIncomingCall(ctx, d.CallID, d.Caller, d.Caller); err != nil {
		h.log.Warn("show incoming call failed", zap.String("call_id", d.CallID), zap.Error(err))
	}
	h.clearDescriptor(ctx, d.CallID)
	h.metrics.ObserveHandoff(domain.HandoffClaimed)
	h.publish(domain.HandoffChange{CallID: d.CallID, Caller: d.Caller, From: from, To: domain.HandoffClaimed, Reason: "takeover"})
	h.log.Info("call taken over", zap.String("call_id", d.CallID))
	return TakeoverClaimed, nil
}

// terminate runs cleanup once per call.
func (h *Coordinator) terminate(ctx context.Context, callID, reason string) {
	h.mu.Lock()
	e, ok := h.records[callID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.records, callID)
	e.stopTimers()
	from := e.rec.Handoff
	caller := e.rec.Remote
	h.mu.Unlock()

	if from == domain.HandoffAnnounced {
		h.metrics.ObserveHandoff(domain.HandoffExpired)
		h.publish(domain.HandoffChange{CallID: callID, Caller: caller, From: from, To: domain.HandoffExpired, Reason: reason})
	}
	h.clearDescriptor(ctx, callID)
	if err := h.ui.EndCall(ctx, callID); err != nil {
		h.log.Warn("end call failed", zap.String("call_id", callID), zap.Error(err))
	}
	h.log.Info("call cleaned up", zap.String("call_id", callID), zap.String("reason", reason))
}

func (h *Coordinator) clearDescriptor(ctx context.Context, callID string) {
	if _, err := h.store.ClearForwardedIf(ctx, callID); err != nil {
		h.log.Warn("clear forwarded call descriptor failed", zap.String("call_id", callID), zap.Error(err))
	}
}

func (h *Coordinator) publish(c domain.HandoffChange) {
	if h.bus == nil {
		return
	}
	ev := domain.NewHandoffEvent(h.clock.Now(), c)
	ev.Source = h.cfg.Owner
	h.bus.Publish(ev)
}
