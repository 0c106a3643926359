package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/engine"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"github.com/vburojevic/rtckeep/internal/state"
	"github.com/vburojevic/rtckeep/internal/store"
)

const probeTimeout = 2 * time.Second

// processStatus is the union of what worker and app answer to ping.
type processStatus struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
	engine.Status
	Owning           *bool  `json:"owning,omitempty"`
	ForegroundActive *bool  `json:"foreground_active,omitempty"`
	EndpointTier     string `json:"endpoint_tier,omitempty"`
	LastTakeover     string `json:"last_takeover,omitempty"`
}

// sharedStatus is the coordination store as both processes see it.
type sharedStatus struct {
	Account        string                          `json:"account,omitempty"`
	ShouldMaintain bool                            `json:"should_maintain"`
	Foreground     domain.OwnershipRecord          `json:"foreground"`
	Background     domain.OwnershipRecord          `json:"background"`
	Forwarded      *domain.ForwardedCallDescriptor `json:"forwarded,omitempty"`
}

func pingProcess(ctx context.Context, socket string) processStatus {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	raw, err := ipc.NewClient(socket).Ping(ctx)
	if err != nil {
		return processStatus{Error: err.Error()}
	}
	var ps processStatus
	if err := json.Unmarshal(raw, &ps); err != nil {
		return processStatus{Running: true, Error: err.Error()}
	}
	ps.Running = true
	return ps
}

// openRepository opens the coordination store without creating the data
// directory, so inspecting a machine that never ran rtckeep is side-effect free.
func openRepository(ctx context.Context, cfg *config.Config) (*store.Store, *state.Repository, error) {
	if _, err := os.Stat(cfg.DataDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, domain.ErrNotConfigured
		}
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	return st, state.NewRepository(st), nil
}

func readShared(ctx context.Context, repo *state.Repository) (sharedStatus, error) {
	var s sharedStatus
	ep, err := repo.LoadEndpoint(ctx)
	switch {
	case err == nil:
		s.Account = ep.AOR()
	case !errors.Is(err, domain.ErrNotConfigured):
		return s, err
	}
	if s.ShouldMaintain, err = repo.ShouldMaintain(ctx); err != nil {
		return s, err
	}
	if s.Foreground, err = repo.Ownership(ctx, domain.OwnerForeground); err != nil {
		return s, err
	}
	if s.Background, err = repo.Ownership(ctx, domain.OwnerBackground); err != nil {
		return s, err
	}
	if s.Forwarded, err = repo.Forwarded(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// snapshot is one poll of everything status and monitor display.
type snapshot struct {
	Worker processStatus
	App    processStatus
	Shared *sharedStatus
	At     time.Time
}

func takeSnapshot(ctx context.Context, cfg *config.Config) snapshot {
	snap := snapshot{
		Worker: pingProcess(ctx, ipc.WorkerSocket(cfg.RuntimeDir)),
		App:    pingProcess(ctx, ipc.AppSocket(cfg.RuntimeDir)),
		At:     time.Now(),
	}
	st, repo, err := openRepository(ctx, cfg)
	if err != nil {
		return snap
	}
	defer st.Close()
	if shared, err := readShared(ctx, repo); err == nil {
		snap.Shared = &shared
	}
	return snap
}
