// Package state is the only place that knows the durable key layout
// shared by the two processes.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/store"
)

// Durable keys.
const (
	KeyEndpointConfig   = "endpoint_config"
	KeyShouldMaintain   = "should_maintain_connection"
	KeyMainAppActive    = "main_app_is_active"
	KeyMainAppTimestamp = "main_app_status_timestamp"
	KeyWorkerActive     = "worker_is_active"
	KeyWorkerTimestamp  = "worker_status_timestamp"

	KeyForwardedCallID        = "forwarded_call_id"
	KeyForwardedCallCaller    = "forwarded_call_caller"
	KeyForwardedCallDirection = "forwarded_call_direction"
	KeyForwardedCallState     = "forwarded_call_state"
	KeyForwardedCallTimestamp = "forwarded_call_timestamp"
)

var forwardedKeys = []string{
	KeyForwardedCallID,
	KeyForwardedCallCaller,
	KeyForwardedCallDirection,
	KeyForwardedCallState,
	KeyForwardedCallTimestamp,
}

// KV is the storage the repository needs. *store.Store satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, pairs map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Repository reads and writes coordination state.
type Repository struct {
	kv KV
}

// NewRepository wraps kv.
func NewRepository(kv KV) *Repository {
	return &Repository{kv: kv}
}

// LoadEndpoint returns domain.ErrNotConfigured when nothing is stored and
// a configuration error when the stored value cannot be decoded.
func (r *Repository) LoadEndpoint(ctx context.Context) (domain.Endpoint, error) {
	raw, err := r.kv.Get(ctx, KeyEndpointConfig)
	if errors.Is(err, store.ErrNotFound) || (err == nil && raw == "") {
		return domain.Endpoint{}, domain.ErrNotConfigured
	}
	if err != nil {
		return domain.Endpoint{}, err
	}
	var ep domain.Endpoint
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return domain.Endpoint{}, domain.NewConfigError(KeyEndpointConfig, fmt.Errorf("%w: %v", domain.ErrMalformedEndpoint, err))
	}
	return ep, nil
}

func (r *Repository) SaveEndpoint(ctx context.Context, ep domain.Endpoint) error {
	b, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode endpoint: %w", err)
	}
	return r.kv.SetMany(ctx, map[string]string{KeyEndpointConfig: string(b)})
}

// ShouldMaintain reports the durable flag; unset means false.
func (r *Repository) ShouldMaintain(ctx context.Context) (bool, error) {
	raw, err := r.kv.Get(ctx, KeyShouldMaintain)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return parseBool(raw), nil
}

func (r *Repository) SetShouldMaintain(ctx context.Context, v bool) error {
	return r.kv.SetMany(ctx, map[string]string{KeyShouldMaintain: strconv.FormatBool(v)})
}

func ownershipKeys(o domain.Owner) (active, ts string) {
	if o == domain.OwnerForeground {
		return KeyMainAppActive, KeyMainAppTimestamp
	}
	return KeyWorkerActive, KeyWorkerTimestamp
}

// Ownership returns the record for owner. A missing record has a zero
// heartbeat and therefore reads as stale.
func (r *Repository) Ownership(ctx context.Context, owner domain.Owner) (domain.OwnershipRecord, error) {
	activeKey, tsKey := ownershipKeys(owner)
	vals, err := r.kv.GetMany(ctx, activeKey, tsKey)
	if err != nil {
		return domain.OwnershipRecord{Owner: owner}, err
	}
	rec := domain.OwnershipRecord{Owner: owner, Active: parseBool(vals[activeKey])}
	if ms, err := strconv.ParseInt(vals[tsKey], 10, 64); err == nil && ms > 0 {
		rec.Heartbeat = time.UnixMilli(ms)
	}
	return rec, nil
}

func (r *Repository) WriteOwnership(ctx context.Context, rec domain.OwnershipRecord) error {
	activeKey, tsKey := ownershipKeys(rec.Owner)
	return r.kv.SetMany(ctx, map[string]string{
		activeKey: strconv.FormatBool(rec.Active),
		tsKey:     strconv.FormatInt(rec.Heartbeat.UnixMilli(), 10),
	})
}

// Forwarded returns the stored descriptor, or nil when none exists.
func (r *Repository) Forwarded(ctx context.Context) (*domain.ForwardedCallDescriptor, error) {
	vals, err := r.kv.GetMany(ctx, forwardedKeys...)
	if err != nil {
		return nil, err
	}
	id := vals[KeyForwardedCallID]
	if id == "" {
		return nil, nil
	}
	d := &domain.ForwardedCallDescriptor{
		CallID:    id,
		Caller:    vals[KeyForwardedCallCaller],
		Direction: domain.CallDirection(vals[KeyForwardedCallDirection]),
		State:     domain.HandoffState(vals[KeyForwardedCallState]),
	}
	if ms, err := strconv.ParseInt(vals[KeyForwardedCallTimestamp], 10, 64); err == nil && ms > 0 {
		d.Timestamp = time.UnixMilli(ms)
	}
	return d, nil
}

func (r *Repository) WriteForwarded(ctx context.Context, d domain.ForwardedCallDescriptor) error {
	return r.kv.SetMany(ctx, map[string]string{
		KeyForwardedCallID:        d.CallID,
		KeyForwardedCallCaller:    d.Caller,
		KeyForwardedCallDirection: string(d.Direction),
		KeyForwardedCallState:     string(d.State),
		KeyForwardedCallTimestamp: strconv.FormatInt(d.Timestamp.UnixMilli(), 10),
	})
}

// ClearForwarded removes the descriptor unconditionally.
func (r *Repository) ClearForwarded(ctx context.Context) error {
	return r.kv.Delete(ctx, forwardedKeys...)
}

// ClearForwardedIf removes the descriptor only if it still describes
// callID, so a late cleanup cannot erase a newer call's descriptor.
// It reports whether anything was removed.
func (r *Repository) ClearForwardedIf(ctx context.Context, callID string) (bool, error) {
	d, err := r.Forwarded(ctx)
	if err != nil {
		return false, err
	}
	if d == nil || d.CallID != callID {
		return false, nil
	}
	return true, r.ClearForwarded(ctx)
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}
