package cli

import (
	"github.com/vburojevic/rtckeep/internal/app"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"go.uber.org/zap"
)

// AppCmd runs the foreground process until interrupted.
type AppCmd struct {
	StreamFlags
}

// Run executes the app command
func (c *AppCmd) Run(globals *Globals) error {
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
	rt, err := newRuntime(ctx, cfg, domain.OwnerForeground, log)
	if err != nil {
		return outputError(globals, err)
	}
	defer rt.Close()

	emitter := newEventEmitter(globals.Writer(), pipeline, newRotation(c.Output, "app"), rt.log)
	defer emitter.Close()
	detach := emitter.Attach(rt.bus)
	defer detach()

	coord := rt.coordinator(cfg.Handoff)
	defer coord.Close()

	a := app.New(rt.engine, rt.arbiter, coord, rt.repo, rt.log)

	socket := ipc.AppSocket(cfg.RuntimeDir)
	srv := ipc.NewServer(socket, a.HandleMessage, rt.log)
	if err := srv.Listen(); err != nil {
		return outputErrorCommon(globals, "SOCKET_IN_USE", err.Error(), "is the app already running?")
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	// app.Run heartbeats the arbiter itself
	rt.background(ctx, false)

	if !globals.Quiet {
		_ = globals.Writer().WriteReady("app", socket)
	}

	runErr := a.Run(ctx)
	cancel()
	if err := <-serveDone; err != nil {
		rt.log.Warn("ipc server stopped", zap.Error(err))
	}
	if runErr != nil {
		return outputError(globals, runErr)
	}
	return nil
}
