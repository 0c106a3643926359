package cli

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/handoff"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"github.com/vburojevic/rtckeep/internal/worker"
	"go.uber.org/zap"
)

// WorkerCmd runs the background worker until interrupted.
type WorkerCmd struct {
	StreamFlags
	LegacyPrefs string `type:"path" help:"Legacy preferences plist to read the endpoint from"`
}

// Run executes the worker command
func (c *WorkerCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, c.Where, c.Output); err != nil {
		return err
	}
	pipeline, err := c.pipeline()
	if err != nil {
		return outputErrorCommon(globals, "INVALID_FILTER", err.Error())
	}

	ctx, cancel := signalContext()
	defer cancel()

	log, err := newLogger(globals)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg := globals.Config
	rt, err := newRuntime(ctx, cfg, domain.OwnerBackground, log)
	if err != nil {
		return outputError(globals, err)
	}
	defer rt.Close()

	emitter := newEventEmitter(globals.Writer(), pipeline, newRotation(c.Output, "worker"), rt.log)
	defer emitter.Close()
	detach := emitter.Attach(rt.bus)
	defer detach()

	announcer := ipc.NewClient(ipc.AppSocket(cfg.RuntimeDir))

	// the coordinator needs the worker's ownership and the worker needs the
	// coordinator for notification actions
	var held atomic.Pointer[worker.Worker]
	coord := rt.coordinator(cfg.Handoff,
		handoff.WithAnnouncer(announcer),
		handoff.WithOwning(func() bool {
			w := held.Load()
			return w != nil && w.Owning()
		}),
	)
	defer coord.Close()

	legacy := c.LegacyPrefs
	if legacy == "" {
		legacy = cfg.Worker.LegacyPrefs
	}
	w := worker.New(worker.Config{
		HealthInterval: cfg.Worker.HealthInterval,
		CoarseInterval: cfg.Worker.CoarseInterval,
		LoadTimeout:    cfg.Worker.LoadTimeout,
	}, rt.engine, rt.arbiter, rt.repo,
		worker.WithTiers(
			worker.StoreTier{Store: rt.repo},
			worker.FileTier{Path: globals.ConfigPath},
			worker.PlistTier{Path: legacy},
		),
		worker.WithActions(coord),
		worker.WithCustody(coord),
		worker.WithChanges(rt.watcher.Changes()),
		worker.WithClock(rt.clock),
		worker.WithLogger(rt.log),
		worker.WithMetrics(rt.metrics),
	)
	held.Store(w)

	socket := ipc.WorkerSocket(cfg.RuntimeDir)
	srv := ipc.NewServer(socket, w.HandleMessage, rt.log)
	if err := srv.Listen(); err != nil {
		return outputErrorCommon(globals, "SOCKET_IN_USE", err.Error(), "is another worker running?")
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	rt.background(ctx, true)

	if !globals.Quiet {
		_ = globals.Writer().WriteReady("worker", socket)
	}

	runErr := w.Run(ctx)
	cancel()
	if err := <-serveDone; err != nil {
		rt.log.Warn("ipc server stopped", zap.Error(err))
	}
	if runErr != nil {
		return outputError(globals, runErr)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
