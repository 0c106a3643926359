package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/rtckeep/internal/backoff"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/events"
	"github.com/vburojevic/rtckeep/internal/netgate"
	"github.com/vburojevic/rtckeep/internal/state"
	"github.com/vburojevic/rtckeep/internal/testutil"
)

var errTransient = errors.New("503 service unavailable")

type fakeRegistrar struct {
	mu          sync.Mutex
	results     []error
	fallback    error
	registers   int
	unregisters int
	block       chan struct{}
}

func (f *fakeRegistrar) Register(ctx context.Context, ep domain.Endpoint) error {
	f.mu.Lock()
	f.registers++
	block := f.block
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	} else {
		err = f.fallback
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (f *fakeRegistrar) Unregister(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregisters++
	return nil
}

func (f *fakeRegistrar) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.unregisters
}

type harness struct {
	eng  *Engine
	ua   *fakeRegistrar
	gate *netgate.Gate
	mock *clock.Mock
	bus  *events.Bus
	repo *state.Repository
	ctx  context.Context
}

func newHarness(t *testing.T, ua *fakeRegistrar, policy backoff.Policy, ceiling int) *harness {
	t.Helper()
	repo, ctx := testutil.NewRepository(t)
	mock := clock.NewMock()
	gate := netgate.New(netgate.WithClock(mock))
	bus := events.NewBus()
	eng := New(Config{Owner: domain.OwnerForeground, Ceiling: ceiling, ConnectTimeout: time.Minute}, ua, policy,
		WithGate(gate),
		WithFlagStore(repo),
		WithBus(bus),
		WithClock(mock),
		WithLogger(testutil.Logger(t)),
	)
	t.Cleanup(eng.Close)
	return &harness{eng: eng, ua: ua, gate: gate, mock: mock, bus: bus, repo: repo, ctx: ctx}
}

func fixedPolicy(d time.Duration) backoff.Policy {
	return backoff.Linear{Offset: d, Max: d}
}

func testEndpoint() domain.Endpoint {
	return domain.Endpoint{Transport: domain.TransportWSS, Server: "pbx.example.com:443", Username: "alice", Password: "secret"}
}

// waitScheduled blocks until the nth Register has returned and a retry is armed.
func (h *harness) waitScheduled(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		regs, _ := h.ua.counts()
		st := h.eng.Status()
		return regs == n && st.State == domain.StateFailed && !st.NextRetry.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestStartWithoutNetworkMakesNoAttempt(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{}, fixedPolicy(time.Second), 10)
	h.gate.Set(false)

	require.NoError(t, h.eng.StartPersistentConnection(h.ctx, testEndpoint()))
	regs, _ := h.ua.counts()
	assert.Equal(t, 0, regs)
	assert.Equal(t, domain.StateDisconnected, h.eng.State())
	assert.True(t, h.eng.Maintaining())

	maintain, err := h.repo.ShouldMaintain(h.ctx)
	require.NoError(t, err)
	assert.True(t, maintain)

	h.mock.Add(time.Hour)
	regs, _ = h.ua.counts()
	assert.Equal(t, 0, regs)

	h.gate.Set(true)
	require.Eventually(t, func() bool {
		return h.eng.State() == domain.StateRegistered
	}, time.Second, 5*time.Millisecond)
	regs, _ = h.ua.counts()
	assert.Equal(t, 1, regs)
}

func TestFirstFailureRetriesInsideJitterWindow(t *testing.T) {
	policy := backoff.Exponential{
		Base:   2 * time.Second,
		Max:    300 * time.Second,
		Jitter: 5 * time.Second,
		Rand:   func() float64 { return 0.5 },
	}
	h := newHarness(t, &fakeRegistrar{results: []error{errTransient, nil}}, policy, 10)

	err := h.eng.StartPersistentConnection(h.ctx, testEndpoint())
	require.ErrorIs(t, err, errTransient)

	st := h.eng.Status()
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "reconnecting", st.Summary)

	delay := st.NextRetry.Sub(h.mock.Now())
	assert.GreaterOrEqual(t, delay, 4*time.Second)
	assert.Less(t, delay, 9*time.Second)

	h.mock.Add(delay - time.Millisecond)
	regs, _ := h.ua.counts()
	assert.Equal(t, 1, regs)

	h.mock.Add(time.Millisecond)
	require.Eventually(t, func() bool {
		return h.eng.State() == domain.StateRegistered
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.eng.Status().Attempts)
	assert.False(t, h.eng.Status().LastConnected.IsZero())
}

func TestCeilingStopsSchedulingUntilForced(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{fallback: errTransient}, fixedPolicy(time.Second), 3)

	_ = h.eng.StartPersistentConnection(h.ctx, testEndpoint())
	h.waitScheduled(t, 1)
	h.mock.Add(time.Second)
	h.waitScheduled(t, 2)
	h.mock.Add(time.Second)

	require.Eventually(t, func() bool { return h.eng.Status().Exhausted }, time.Second, 5*time.Millisecond)
	h.mock.Add(time.Hour)
	regs, _ := h.ua.counts()
	assert.Equal(t, 3, regs)
	assert.Contains(t, h.eng.Status().Summary, "gave up")

	// Health checks leave an exhausted engine alone.
	require.NoError(t, h.eng.EnsureConnected(h.ctx))
	regs, _ = h.ua.counts()
	assert.Equal(t, 3, regs)

	_ = h.eng.ForceReconnect(h.ctx)
	regs, _ = h.ua.counts()
	assert.Equal(t, 4, regs)
	st := h.eng.Status()
	assert.False(t, st.Exhausted)
	assert.Equal(t, 1, st.Attempts)
}

func TestNetworkRestoreResetsExhaustedCounter(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{fallback: errTransient}, fixedPolicy(time.Second), 1)

	_ = h.eng.StartPersistentConnection(h.ctx, testEndpoint())
	require.True(t, h.eng.Status().Exhausted)

	h.gate.Set(false)
	h.gate.Set(true)
	require.Eventually(t, func() bool {
		regs, _ := h.ua.counts()
		return regs == 2
	}, time.Second, 5*time.Millisecond)
}

func TestConfigErrorIsNotRetried(t *testing.T) {
	reject := domain.NewConfigError("password", errors.New("401 unauthorized"))
	h := newHarness(t, &fakeRegistrar{results: []error{reject}}, fixedPolicy(time.Second), 10)

	var failures []domain.ConnectionChange
	h.bus.Subscribe(func(ev domain.Event) {
		if ev.Connection.To == domain.StateFailed {
			failures = append(failures, *ev.Connection)
		}
	}, domain.EventConnectionState)

	err := h.eng.StartPersistentConnection(h.ctx, testEndpoint())
	require.True(t, domain.IsConfigError(err))

	st := h.eng.Status()
	assert.Equal(t, domain.StateFailed, st.State)
	assert.NotEmpty(t, st.ConfigError)
	assert.Equal(t, "connection failed, check settings", st.Summary)
	assert.True(t, st.NextRetry.IsZero())
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Config)

	h.mock.Add(time.Hour)
	require.NoError(t, h.eng.EnsureConnected(h.ctx))
	regs, _ := h.ua.counts()
	assert.Equal(t, 1, regs)

	// A new endpoint clears the failure.
	updated := testEndpoint()
	updated.Password = "fixed"
	require.NoError(t, h.eng.UpdateEndpoint(h.ctx, updated))
	assert.Equal(t, domain.StateRegistered, h.eng.State())
	assert.Empty(t, h.eng.Status().ConfigError)
}

func TestInvalidEndpointFailsWithoutAttempt(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{}, fixedPolicy(time.Second), 10)

	err := h.eng.StartPersistentConnection(h.ctx, domain.Endpoint{Transport: domain.TransportWS, Server: "nope"})
	require.ErrorIs(t, err, domain.ErrMalformedEndpoint)
	regs, _ := h.ua.counts()
	assert.Equal(t, 0, regs)
	assert.Equal(t, domain.StateFailed, h.eng.State())
}

func TestStopIsIdempotentAndClearsFlag(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{}, fixedPolicy(time.Second), 10)
	require.NoError(t, h.eng.StartPersistentConnection(h.ctx, testEndpoint()))
	require.Equal(t, domain.StateRegistered, h.eng.State())

	require.NoError(t, h.eng.StopPersistentConnection(h.ctx))
	require.NoError(t, h.eng.StopPersistentConnection(h.ctx))

	_, unregs := h.ua.counts()
	assert.Equal(t, 1, unregs)
	assert.Equal(t, domain.StateDisconnected, h.eng.State())
	assert.False(t, h.eng.Maintaining())

	maintain, err := h.repo.ShouldMaintain(h.ctx)
	require.NoError(t, err)
	assert.False(t, maintain)
}

func TestReleaseKeepsDurableFlag(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{}, fixedPolicy(time.Second), 10)
	require.NoError(t, h.eng.StartPersistentConnection(h.ctx, testEndpoint()))
	require.NoError(t, h.eng.Release(h.ctx))

	assert.False(t, h.eng.Maintaining())
	assert.Equal(t, domain.StateDisconnected, h.eng.State())
	maintain, err := h.repo.ShouldMaintain(h.ctx)
	require.NoError(t, err)
	assert.True(t, maintain)
}

func TestNoAttemptAfterStop(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{fallback: errTransient}, fixedPolicy(time.Second), 10)
	_ = h.eng.StartPersistentConnection(h.ctx, testEndpoint())
	h.waitScheduled(t, 1)

	require.NoError(t, h.eng.StopPersistentConnection(h.ctx))
	h.mock.Add(time.Hour)
	h.gate.Set(false)
	h.gate.Set(true)

	assert.Never(t, func() bool {
		regs, _ := h.ua.counts()
		return regs > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, domain.StateDisconnected, h.eng.State())
}

func TestAttemptInFlightDropsSecondTrigger(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, &fakeRegistrar{block: block}, fixedPolicy(time.Second), 10)

	done := make(chan error, 1)
	go func() { done <- h.eng.StartPersistentConnection(h.ctx, testEndpoint()) }()
	require.Eventually(t, func() bool {
		regs, _ := h.ua.counts()
		return regs == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.eng.ForceReconnect(h.ctx))
	require.NoError(t, h.eng.EnsureConnected(h.ctx))
	regs, _ := h.ua.counts()
	assert.Equal(t, 1, regs)

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, domain.StateRegistered, h.eng.State())
}

func TestPauseDoesNotConsumeAttempt(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{fallback: errTransient}, fixedPolicy(time.Second), 10)
	_ = h.eng.StartPersistentConnection(h.ctx, testEndpoint())
	h.waitScheduled(t, 1)

	h.gate.Set(false)
	st := h.eng.Status()
	assert.True(t, st.NextRetry.IsZero())
	assert.Equal(t, 1, st.Attempts)

	h.mock.Add(time.Hour)
	regs, _ := h.ua.counts()
	assert.Equal(t, 1, regs)
}

func TestTransportDropWhileRegisteredReconnects(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{}, fixedPolicy(time.Second), 10)

	var mu sync.Mutex
	var ended []string
	h.bus.Subscribe(func(ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		ended = append(ended, ev.SessionEnd.Reason)
	}, domain.EventSessionEnd)

	require.NoError(t, h.eng.StartPersistentConnection(h.ctx, testEndpoint()))
	h.bus.Publish(domain.NewTransportEvent(h.mock.Now(), false, "connection reset"))

	st := h.eng.Status()
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, 1, st.Attempts)

	h.mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return h.eng.State() == domain.StateRegistered
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ended, 1)
	assert.Contains(t, ended[0], "transport_drop")
	assert.Equal(t, 2, h.eng.Status().Session)
}

func TestForceReconnectWithoutEndpoint(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{}, fixedPolicy(time.Second), 10)
	require.ErrorIs(t, h.eng.ForceReconnect(h.ctx), domain.ErrNotConfigured)
}

func TestEventsCarryOwner(t *testing.T) {
	h := newHarness(t, &fakeRegistrar{}, fixedPolicy(time.Second), 10)
	var sources []domain.Owner
	h.bus.Subscribe(func(ev domain.Event) { sources = append(sources, ev.Source) }, domain.EventConnectionState)

	require.NoError(t, h.eng.StartPersistentConnection(h.ctx, testEndpoint()))
	require.Len(t, sources, 2)
	for _, s := range sources {
		assert.Equal(t, domain.OwnerForeground, s)
	}
}
