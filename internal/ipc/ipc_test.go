package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/testutil"
)

// socketDir keeps socket paths under the platform length limit.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rtckeep-ipc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func serve(t *testing.T, path string, h Handler) {
	t.Helper()
	s := NewServer(path, h, testutil.Logger(t))
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestRequestReplyRoundTrip(t *testing.T) {
	path := WorkerSocket(socketDir(t))
	var mu sync.Mutex
	var got []Message
	serve(t, path, func(ctx context.Context, m Message) (*Message, error) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		switch m.Type {
		case TypePing:
			r, err := m.Pong(map[string]string{"state": "registered"})
			return &r, err
		case TypeStop:
			return nil, nil
		}
		return nil, errors.New("unsupported")
	})

	c := NewClient(path)
	ctx := context.Background()

	status, err := c.Ping(ctx)
	require.NoError(t, err)
	var st map[string]string
	require.NoError(t, json.Unmarshal(status, &st))
	assert.Equal(t, "registered", st["state"])

	require.NoError(t, c.Stop(ctx))

	err = c.ForceReconnect(ctx)
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "unsupported")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestPayloadsSurviveTheWire(t *testing.T) {
	path := AppSocket(socketDir(t))
	received := make(chan Message, 4)
	serve(t, path, func(ctx context.Context, m Message) (*Message, error) {
		received <- m
		return nil, nil
	})
	c := NewClient(path)
	ctx := context.Background()

	at := time.UnixMilli(1767225600123)
	require.NoError(t, c.CallForwarded(ctx, domain.ForwardedCallDescriptor{
		CallID: "c1", Caller: "bob", Direction: domain.DirectionIncoming, Timestamp: at,
	}))
	m := <-received
	assert.Equal(t, TypeCallForwarded, m.Type)
	require.NotNil(t, m.Call)
	d := m.Call.Descriptor()
	assert.Equal(t, "c1", d.CallID)
	assert.True(t, d.Timestamp.Equal(at))
	assert.Equal(t, domain.HandoffAnnounced, d.State)

	ep := domain.Endpoint{Transport: domain.TransportWSS, Server: "pbx:443", Username: "a", Password: "b"}
	require.NoError(t, c.UpdateEndpoint(ctx, ep))
	m = <-received
	require.NotNil(t, m.Endpoint)
	assert.Equal(t, ep, *m.Endpoint)

	require.NoError(t, c.NotificationAction(ctx, "answer_call", "c1"))
	m = <-received
	assert.Equal(t, &ActionPayload{Action: "answer_call", CallID: "c1"}, m.Action)

	require.NoError(t, c.ForceOpenApp(ctx, "bob", "c1"))
	m = <-received
	assert.Equal(t, TypeForceOpenApp, m.Type)
}

func TestUnavailablePeer(t *testing.T) {
	c := NewClient(filepath.Join(socketDir(t), "missing.sock"))
	err := c.Stop(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := WorkerSocket(socketDir(t))
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	serve(t, path, func(ctx context.Context, m Message) (*Message, error) { return nil, nil })
	require.NoError(t, NewClient(path).Stop(context.Background()))

	second := NewServer(path, func(ctx context.Context, m Message) (*Message, error) { return nil, nil }, testutil.Logger(t))
	require.Error(t, second.Listen(), "a live socket is not taken over")
}
