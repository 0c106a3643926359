package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeRunner struct {
	name string
	args []string
	out  []byte
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	return f.out, f.err
}

func TestCommandBridgeArguments(t *testing.T) {
	r := &fakeRunner{}
	b := NewCommandBridgeWithRunner("/usr/local/bin/hook --quiet", r, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, b.ForceForeground(ctx, "c1", "bob", 2))
	assert.Equal(t, "/usr/local/bin/hook", r.name)
	assert.Equal(t, []string{"--quiet", "force-foreground", "c1", "bob", "2"}, r.args)

	require.NoError(t, b.ShowIncomingCall(ctx, "c1", "bob", "bob@pbx"))
	assert.Equal(t, []string{"--quiet", "show-incoming", "c1", "bob", "bob@pbx"}, r.args)

	require.NoError(t, b.EndCall(ctx, "c1"))
	assert.Equal(t, []string{"--quiet", "end-call", "c1"}, r.args)

	require.NoError(t, b.Notify(ctx, Notification{CallID: "c1", Title: "Incoming call", Body: "bob", Actions: []string{ActionAnswer, ActionDecline}}))
	assert.Equal(t, []string{"--quiet", "notify", "c1", "Incoming call", "bob", "answer_call,decline_call"}, r.args)
}

func TestCommandBridgeErrors(t *testing.T) {
	r := &fakeRunner{out: []byte("no display\n"), err: errors.New("exit status 1")}
	b := NewCommandBridgeWithRunner("hook", r, zap.NewNop())

	err := b.EndCall(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no display")

	empty := NewCommandBridgeWithRunner("  ", r, zap.NewNop())
	require.ErrorIs(t, empty.EndCall(context.Background(), "c1"), errNoCommand)
}

func TestLogBridgeLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	b := NewLogBridge(zap.New(core))
	ctx := context.Background()

	require.NoError(t, b.ForceForeground(ctx, "c1", "bob", 0))
	require.NoError(t, b.Notify(ctx, Notification{CallID: "c1", Title: "t"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "force foreground", entries[0].Message)
	assert.Equal(t, int64(0), entries[0].ContextMap()["retry_tier"])
}
