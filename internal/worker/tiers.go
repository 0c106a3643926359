package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/domain"
	"go.uber.org/zap"
	"howett.net/plist"
)

// EndpointTier is one source of endpoint configuration.
type EndpointTier interface {
	Name() string
	Load(ctx context.Context) (domain.Endpoint, error)
}

// EndpointStore is the durable endpoint record.
type EndpointStore interface {
	LoadEndpoint(ctx context.Context) (domain.Endpoint, error)
	SaveEndpoint(ctx context.Context, ep domain.Endpoint) error
}

// StoreTier reads the shared store.
type StoreTier struct{ Store EndpointStore }

func (StoreTier) Name() string { return "store" }

func (t StoreTier) Load(ctx context.Context) (domain.Endpoint, error) {
	return t.Store.LoadEndpoint(ctx)
}

// FileTier reads the endpoint section of a config file.
type FileTier struct{ Path string }

func (FileTier) Name() string { return "file" }

func (t FileTier) Load(ctx context.Context) (domain.Endpoint, error) {
	if t.Path == "" {
		return domain.Endpoint{}, domain.ErrNotConfigured
	}
	return config.ReadEndpoint(t.Path)
}

// PlistTier reads legacy preferences: a property list dictionary with
// transport, server, username, password and display_name keys.
type PlistTier struct{ Path string }

func (PlistTier) Name() string { return "legacy_prefs" }

func (t PlistTier) Load(ctx context.Context) (domain.Endpoint, error) {
	if t.Path == "" {
		return domain.Endpoint{}, domain.ErrNotConfigured
	}
	data, err := os.ReadFile(t.Path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Endpoint{}, domain.ErrNotConfigured
	}
	if err != nil {
		return domain.Endpoint{}, err
	}
	var ep domain.Endpoint
	if _, err := plist.Unmarshal(data, &ep); err != nil {
		return domain.Endpoint{}, domain.NewConfigError("legacy_prefs", fmt.Errorf("%w: %v", domain.ErrMalformedEndpoint, err))
	}
	if ep.IsZero() {
		return domain.Endpoint{}, domain.ErrNotConfigured
	}
	return ep, nil
}

type tierResult struct {
	ep  domain.Endpoint
	err error
}

// loadTier bounds one tier by its own timeout; a timeout reads as absent.
func loadTier(ctx context.Context, tier EndpointTier, timeout time.Duration) (domain.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan tierResult, 1)
	go func() {
		ep, err := tier.Load(ctx)
		done <- tierResult{ep: ep, err: err}
	}()
	select {
	case r := <-done:
		return r.ep, r.err
	case <-ctx.Done():
		return domain.Endpoint{}, fmt.Errorf("%w: %s tier timed out", domain.ErrNotConfigured, tier.Name())
	}
}

// LoadEndpoint walks tiers in order and returns the first valid endpoint.
// An endpoint found below the store is written back into the store.
func LoadEndpoint(ctx context.Context, store EndpointStore, tiers []EndpointTier, timeout time.Duration, log *zap.Logger) (domain.Endpoint, string, error) {
	for i, tier := range tiers {
		ep, err := loadTier(ctx, tier, timeout)
		if err != nil {
			if !errors.Is(err, domain.ErrNotConfigured) {
				log.Warn("endpoint tier failed", zap.String("tier", tier.Name()), zap.Error(err))
			}
			continue
		}
		if err := ep.Validate(); err != nil {
			log.Warn("endpoint tier holds an invalid endpoint", zap.String("tier", tier.Name()), zap.Error(err))
			continue
		}
		if i > 0 && store != nil {
			wctx, cancel := context.WithTimeout(ctx, timeout)
			if err := store.SaveEndpoint(wctx, ep); err != nil {
				log.Warn("write back endpoint failed", zap.String("tier", tier.Name()), zap.Error(err))
			}
			cancel()
		}
		log.Info("endpoint loaded", zap.String("tier", tier.Name()), zap.String("aor", ep.AOR()))
		return ep, tier.Name(), nil
	}
	return domain.Endpoint{}, "", domain.ErrNotConfigured
}
