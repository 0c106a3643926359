package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/rtckeep/internal/arbiter"
	"github.com/vburojevic/rtckeep/internal/backoff"
	"github.com/vburojevic/rtckeep/internal/bridge"
	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/engine"
	"github.com/vburojevic/rtckeep/internal/events"
	"github.com/vburojevic/rtckeep/internal/handoff"
	"github.com/vburojevic/rtckeep/internal/metrics"
	"github.com/vburojevic/rtckeep/internal/netgate"
	"github.com/vburojevic/rtckeep/internal/rtc"
	"github.com/vburojevic/rtckeep/internal/state"
	"github.com/vburojevic/rtckeep/internal/store"
	"go.uber.org/zap"
)

const ownershipActionTimeout = 10 * time.Second

// procRuntime is everything one process needs, built from config. The worker
// and app commands differ only in owner, backoff policy and what they
// layer on top.
type procRuntime struct {
	owner   domain.Owner
	clock   clock.Clock
	log     *zap.Logger
	store   *store.Store
	repo    *state.Repository
	bus     *events.Bus
	gate    *netgate.Gate
	agent   *rtc.WSAgent
	engine  *engine.Engine
	arbiter *arbiter.Arbiter
	ui      bridge.Bridge
	metrics *metrics.Metrics
	msrv    *metrics.Server
	watcher *store.Watcher
}

type runtimeOption func(*procRuntime)

func withRuntimeClock(c clock.Clock) runtimeOption {
	return func(rt *procRuntime) { rt.clock = c }
}

func newRuntime(ctx context.Context, cfg *config.Config, owner domain.Owner, log *zap.Logger, opts ...runtimeOption) (*procRuntime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, domain.NewConfigError("config", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}

	rt := &procRuntime{
		owner: owner,
		clock: clock.New(),
		log:   log.With(zap.String("process", string(owner))),
		store: st,
		repo:  state.NewRepository(st),
		bus:   events.NewBus(),
	}
	for _, o := range opts {
		o(rt)
	}

	if cfg.Metrics.Addr != "" {
		rt.metrics = metrics.New()
		rt.msrv = metrics.NewServer(cfg.Metrics.Addr, rt.metrics, rt.log)
		if err := rt.msrv.Start(); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	gateOpts := []netgate.Option{
		netgate.WithLogger(rt.log),
		netgate.WithClock(rt.clock),
		netgate.OnChange(func(online bool) {
			ev := domain.NewNetworkEvent(rt.clock.Now(), online)
			ev.Source = owner
			rt.bus.Publish(ev)
		}),
	}
	if cfg.Network.ProbeAddress != "" {
		gateOpts = append(gateOpts, netgate.WithProber(
			netgate.TCPProber{Address: cfg.Network.ProbeAddress, Timeout: cfg.Network.ProbeTimeout},
			cfg.Network.ProbeInterval,
		))
	}
	rt.gate = netgate.New(gateOpts...)

	arbCfg := cfg.Arbitration
	arbCfg.Owner = owner
	rt.arbiter = arbiter.New(arbCfg, rt.repo,
		arbiter.WithClock(rt.clock),
		arbiter.WithLogger(rt.log),
		arbiter.WithBus(rt.bus),
		arbiter.WithMetrics(rt.metrics),
	)

	policyCfg := cfg.Backoff.Worker
	if owner == domain.OwnerForeground {
		policyCfg = cfg.Backoff.App
	}
	policy, err := backoff.New(policyCfg)
	if err != nil {
		rt.Close()
		return nil, domain.NewConfigError("backoff", err)
	}

	rt.agent = rtc.NewWSAgent(rtc.Config{
		Owner:              owner,
		Path:               cfg.RTC.Path,
		InsecureSkipVerify: cfg.RTC.InsecureSkipVerify,
	}, rt.bus, rtc.WithClock(rt.clock), rtc.WithLogger(rt.log))

	rt.engine = engine.New(engine.Config{
		Owner:          owner,
		Ceiling:        policyCfg.Ceiling,
		ConnectTimeout: cfg.Worker.ConnectTimeout,
	}, rt.agent, policy,
		engine.WithGate(rt.gate),
		engine.WithFlagStore(rt.repo),
		engine.WithOwnershipReporter(rt.arbiter),
		engine.WithBus(rt.bus),
		engine.WithClock(rt.clock),
		engine.WithLogger(rt.log),
		engine.WithMetrics(rt.metrics),
	)

	if cfg.Bridge.Command != "" {
		rt.ui = bridge.NewCommandBridge(cfg.Bridge.Command, rt.log)
	} else {
		rt.ui = bridge.NewLogBridge(rt.log)
	}

	rt.arbiter.OnChange(rt.onOwnershipChange)

	rt.watcher = store.NewWatcher(st, cfg.Worker.CoarseInterval, rt.clock, rt.log)
	return rt, nil
}

// onOwnershipChange keeps the engine in line with what the arbiter last
// wrote, including debounced writes that land after the caller moved on.
func (rt *procRuntime) onOwnershipChange(active bool) {
	ctx, cancel := context.WithTimeout(context.Background(), ownershipActionTimeout)
	defer cancel()
	if active {
		if err := rt.engine.EnsureConnected(ctx); err != nil {
			rt.log.Warn("reconnect on activation failed", zap.Error(err))
		}
		return
	}
	if !rt.engine.Status().Maintaining {
		return
	}
	rt.log.Info("ownership given up, releasing registration")
	if err := rt.engine.Release(ctx); err != nil {
		rt.log.Warn("release on deactivation failed", zap.Error(err))
	}
}

// coordinator builds the handoff coordinator for this process.
func (rt *procRuntime) coordinator(cfg handoff.Config, opts ...handoff.Option) *handoff.Coordinator {
	cfg.Owner = rt.owner
	base := []handoff.Option{
		handoff.WithClock(rt.clock),
		handoff.WithLogger(rt.log),
		handoff.WithMetrics(rt.metrics),
		handoff.WithBus(rt.bus),
		handoff.WithForegroundProbe(rt.arbiter),
	}
	if n, ok := rt.ui.(bridge.Notifier); ok {
		base = append(base, handoff.WithNotifier(n))
	}
	return handoff.New(cfg, rt.agent, rt.repo, rt.ui, append(base, opts...)...)
}

// background starts the gate prober, the store watcher and the arbiter
// heartbeat. They stop with ctx.
func (rt *procRuntime) background(ctx context.Context, heartbeat bool) {
	go rt.gate.Run(ctx)
	go rt.watcher.Run(ctx)
	if heartbeat {
		go rt.arbiter.Run(ctx)
	}
}

func (rt *procRuntime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.agent != nil {
		rt.agent.Close()
	}
	if rt.arbiter != nil {
		rt.arbiter.Close()
	}
	if rt.msrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.msrv.Stop(ctx)
		cancel()
	}
	_ = rt.store.Close()
}
