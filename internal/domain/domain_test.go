package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEndpoint() Endpoint {
	return Endpoint{
		Transport: TransportWS,
		Server:    "rtc.example.com:5066",
		Username:  "alice",
		Password:  "s3cret",
	}
}

func TestEndpointValidate(t *testing.T) {
	t.Run("accepts complete endpoint", func(t *testing.T) {
		require.NoError(t, validEndpoint().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Endpoint)
		field  string
		cause  error
	}{
		{"unknown transport", func(e *Endpoint) { e.Transport = "carrier-pigeon" }, "transport", ErrMalformedEndpoint},
		{"missing port", func(e *Endpoint) { e.Server = "rtc.example.com" }, "server", ErrMalformedEndpoint},
		{"bad port", func(e *Endpoint) { e.Server = "rtc.example.com:99999" }, "server", ErrMalformedEndpoint},
		{"missing username", func(e *Endpoint) { e.Username = " " }, "username", ErrMissingIdentity},
		{"missing password", func(e *Endpoint) { e.Password = "" }, "password", ErrMissingCredential},
		{"negative refresh", func(e *Endpoint) { e.RegisterRefresh = -time.Second }, "register_refresh", ErrMalformedEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := validEndpoint()
			tt.mutate(&ep)
			err := ep.Validate()
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.ErrorIs(t, err, tt.cause)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestEndpointHelpers(t *testing.T) {
	ep := validEndpoint()
	assert.Equal(t, "alice@rtc.example.com", ep.AOR())
	assert.Equal(t, DefaultRegisterRefresh, ep.Refresh())
	assert.Equal(t, "********", ep.Redacted().Password)
	assert.Equal(t, "s3cret", ep.Password, "Redacted must not mutate the receiver")
	assert.True(t, Endpoint{}.IsZero())
	assert.False(t, ep.IsZero())
}

func TestConnectionStateText(t *testing.T) {
	for _, s := range []ConnectionState{StateDisconnected, StateConnecting, StateRegistered, StateFailed} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back ConnectionState
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	_, err := ParseConnectionState("dancing")
	assert.Error(t, err)
}

func TestReconnectionAttempt(t *testing.T) {
	var a ReconnectionAttempt
	assert.Equal(t, 1, a.Fail("timeout"))
	assert.Equal(t, 2, a.Fail("refused"))
	assert.Equal(t, "refused", a.LastFailure)
	a.Reset()
	assert.Zero(t, a.Count)
	assert.Empty(t, a.LastFailure)
}

func TestOwnershipRecordStaleness(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("never written is stale", func(t *testing.T) {
		assert.True(t, OwnershipRecord{}.IsStale(now, OwnershipStaleness))
	})

	t.Run("fresh active record is active", func(t *testing.T) {
		r := OwnershipRecord{Owner: OwnerForeground, Active: true, Heartbeat: now.Add(-time.Minute)}
		assert.True(t, r.ActiveAt(now, OwnershipStaleness))
		assert.True(t, r.ActiveAt(now, CallOwnershipStaleness))
	})

	t.Run("call threshold is stricter", func(t *testing.T) {
		r := OwnershipRecord{Owner: OwnerForeground, Active: true, Heartbeat: now.Add(-3 * time.Minute)}
		assert.True(t, r.ActiveAt(now, OwnershipStaleness))
		assert.False(t, r.ActiveAt(now, CallOwnershipStaleness))
	})

	t.Run("inactive fresh record is not active", func(t *testing.T) {
		r := OwnershipRecord{Owner: OwnerForeground, Active: false, Heartbeat: now}
		assert.False(t, r.ActiveAt(now, OwnershipStaleness))
	})

	assert.Equal(t, OwnerBackground, OwnerForeground.Peer())
	assert.Equal(t, OwnerForeground, OwnerBackground.Peer())
}

func TestCallRecordReassignOnce(t *testing.T) {
	c := &CallRecord{ID: "c1", Owner: OwnerBackground}
	require.NoError(t, c.Reassign(OwnerForeground))
	assert.Equal(t, OwnerForeground, c.Owner)
	assert.Error(t, c.Reassign(OwnerBackground))
	assert.Equal(t, OwnerForeground, c.Owner)
}

func TestCallStatePredicates(t *testing.T) {
	assert.True(t, CallInitiation.Ringing())
	assert.True(t, CallProgress.Ringing())
	assert.False(t, CallConfirmed.Ringing())
	assert.True(t, CallEnded.Terminal())
	assert.True(t, CallFailed.Terminal())
	assert.False(t, CallAccepted.Terminal())
	assert.False(t, HandoffAnnounced.Settled())
	assert.True(t, HandoffAutoAnswered.Settled())
}

func TestEventCarriesOnlyItsPayload(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := NewConnectionEvent(at, ConnectionChange{From: StateConnecting, To: StateFailed, Attempt: 1, Cause: "timeout"})

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "connection_state", m["type"])
	assert.EqualValues(t, 1, m["schemaVersion"])
	assert.NotContains(t, m, "call")
	conn := m["connection"].(map[string]interface{})
	assert.Equal(t, "connecting", conn["from"])
	assert.Equal(t, "failed", conn["to"])
}

func TestSessionStartAlert(t *testing.T) {
	at := time.Now()
	first := NewSessionStart(at, SessionStart{Session: 1, Account: "a@b"})
	assert.Empty(t, first.SessionStart.Alert)

	second := NewSessionStart(at, SessionStart{Session: 2, PreviousSession: 1, Account: "a@b"})
	assert.Equal(t, "REREGISTERED", second.SessionStart.Alert)
	assert.NotEmpty(t, second.SessionStart.Timestamp)
}
