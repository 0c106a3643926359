package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/rtckeep/internal/domain"
	"go.uber.org/zap"
)

func TestConnectionStateIsOneHot(t *testing.T) {
	m := New()
	m.SetConnectionState(domain.OwnerBackground, domain.StateConnecting)
	m.SetConnectionState(domain.OwnerBackground, domain.StateRegistered)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("background", "registered")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("background", "connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("background", "failed")))
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveAttempt(domain.OwnerForeground, "transient")
	m.ObserveAttempt(domain.OwnerForeground, "transient")
	m.ObserveReconnect(domain.OwnerForeground, "backoff")
	m.ObserveHandoff(domain.HandoffAutoAnswered)
	m.ObserveOwnership(domain.OwnerBackground, true)
	m.ObserveForceForeground(false)
	m.ObserveHealthCheck("fast", "release")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("foreground", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnections.WithLabelValues("foreground", "backoff")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandoffOutcomes.WithLabelValues("auto_answered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OwnershipChanges.WithLabelValues("background", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForceForeground.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthChecks.WithLabelValues("fast", "release")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnectionState(domain.OwnerForeground, domain.StateFailed)
		m.ObserveAttempt(domain.OwnerForeground, "ok")
		m.ObserveReconnect(domain.OwnerForeground, "force")
		m.ObserveHandoff(domain.HandoffClaimed)
		m.ObserveOwnership(domain.OwnerForeground, false)
		m.ObserveForceForeground(true)
		m.ObserveHealthCheck("coarse", "noop")
		_ = m.Registry()
	})
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	m := New()
	m.ObserveHandoff(domain.HandoffClaimed)

	s := NewServer("127.0.0.1:0", m, zap.NewNop())
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	base := "http://" + s.Addr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `rtckeep_handoff_outcomes_total{state="claimed"} 1`)
}
