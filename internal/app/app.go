// Package app is the foreground process. It claims ownership while it
// runs, holds its own registration and takes over calls the background
// worker forwarded to it.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/engine"
	"github.com/vburojevic/rtckeep/internal/handoff"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"go.uber.org/zap"
)

// Conn is the foreground's view of its engine.
type Conn interface {
	StartPersistentConnection(ctx context.Context, ep domain.Endpoint) error
	StopPersistentConnection(ctx context.Context) error
	Release(ctx context.Context) error
	ForceReconnect(ctx context.Context) error
	UpdateEndpoint(ctx context.Context, ep domain.Endpoint) error
	Status() engine.Status
}

// Ownership is the foreground's view of the arbiter.
type Ownership interface {
	ReportActive(ctx context.Context) error
	Resign(ctx context.Context) error
	Run(ctx context.Context)
	IsOwnershipStale(ctx context.Context, owner domain.Owner, threshold time.Duration) bool
}

// Claimer resolves a forwarded-call descriptor.
type Claimer interface {
	Takeover(ctx context.Context) (handoff.TakeoverOutcome, error)
}

// EndpointSource reads the shared endpoint.
type EndpointSource interface {
	LoadEndpoint(ctx context.Context) (domain.Endpoint, error)
}

// App wires the foreground's engine, arbiter and coordinator together.
type App struct {
	conn     Conn
	owner    Ownership
	claimer  Claimer
	source   EndpointSource
	log      *zap.Logger
	shutdown time.Duration

	mu           sync.Mutex
	lastTakeover handoff.TakeoverOutcome
	takeoverAt   time.Time
}

func New(conn Conn, owner Ownership, claimer Claimer, source EndpointSource, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{
		conn:     conn,
		owner:    owner,
		claimer:  claimer,
		source:   source,
		log:      log.Named("app"),
		shutdown: 10 * time.Second,
	}
}

// Run reports active, resolves any pending forwarded call, starts the
// engine and heartbeats until ctx is done. On exit it releases the
// registration and resigns so the worker can take over.
func (a *App) Run(ctx context.Context) error {
	if err := a.owner.ReportActive(ctx); err != nil {
		return fmt.Errorf("report active: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.owner.Run(ctx)
	}()

	a.takeover(ctx, "start")

	if a.owner.IsOwnershipStale(ctx, domain.OwnerBackground, domain.OwnershipStaleness) {
		a.log.Warn("background worker is not heartbeating, calls after this process exits will be missed")
	}

	ep, err := a.source.LoadEndpoint(ctx)
	switch {
	case err == nil:
		if err := a.conn.StartPersistentConnection(ctx, ep); err != nil {
			a.log.Warn("start failed", zap.Error(err))
		}
	case errors.Is(err, domain.ErrNotConfigured):
		a.log.Info("no endpoint configured yet, waiting for updateEndpoint")
	default:
		a.log.Warn("load endpoint failed", zap.Error(err))
	}

	<-ctx.Done()
	wg.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), a.shutdown)
	defer cancel()
	if err := a.conn.Release(sctx); err != nil {
		a.log.Warn("release on exit failed", zap.Error(err))
	}
	if err := a.owner.Resign(sctx); err != nil {
		a.log.Warn("resign failed", zap.Error(err))
	}
	a.log.Info("foreground stopped")
	return nil
}

func (a *App) takeover(ctx context.Context, trigger string) handoff.TakeoverOutcome {
	out, err := a.claimer.Takeover(ctx)
	if err != nil {
		a.log.Warn("takeover failed", zap.String("trigger", trigger), zap.Error(err))
		return handoff.TakeoverNone
	}
	if out != handoff.TakeoverNone {
		a.log.Info("takeover", zap.String("trigger", trigger), zap.String("outcome", string(out)))
	}
	a.mu.Lock()
	a.lastTakeover, a.takeoverAt = out, time.Now()
	a.mu.Unlock()
	return out
}

// Status is what ping returns.
type Status struct {
	engine.Status
	LastTakeover handoff.TakeoverOutcome `json:"last_takeover,omitempty"`
	TakeoverAt   time.Time               `json:"takeover_at,omitempty"`
}

func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Status: a.conn.Status(), LastTakeover: a.lastTakeover, TakeoverAt: a.takeoverAt}
}

// HandleMessage serves the app socket.
func (a *App) HandleMessage(ctx context.Context, m ipc.Message) (*ipc.Message, error) {
	switch m.Type {
	case ipc.TypeCallForwarded, ipc.TypeForceOpenApp:
		if m.Call != nil {
			a.log.Info("call forwarded by worker",
				zap.String("type", string(m.Type)),
				zap.String("call_id", m.Call.CallID),
				zap.String("caller", m.Call.Caller))
		}
		a.takeover(ctx, string(m.Type))
		return nil, nil
	case ipc.TypePing:
		r, err := m.Pong(a.Status())
		return &r, err
	case ipc.TypeUpdateEndpoint:
		if m.Endpoint == nil {
			return nil, errors.New("updateEndpoint without endpoint")
		}
		if !a.conn.Status().Maintaining {
			return nil, a.conn.StartPersistentConnection(ctx, *m.Endpoint)
		}
		return nil, a.conn.UpdateEndpoint(ctx, *m.Endpoint)
	case ipc.TypeForceReconnect:
		return nil, a.conn.ForceReconnect(ctx)
	case ipc.TypeStop:
		return nil, a.conn.StopPersistentConnection(ctx)
	}
	return nil, fmt.Errorf("unsupported message type %q", m.Type)
}
