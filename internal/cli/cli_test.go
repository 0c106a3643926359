package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/rtckeep/internal/bridge"
	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/engine"
	"github.com/vburojevic/rtckeep/internal/events"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"github.com/vburojevic/rtckeep/internal/output"
	"github.com/vburojevic/rtckeep/internal/state"
	"github.com/vburojevic/rtckeep/internal/store"
	"github.com/vburojevic/rtckeep/internal/testutil"
)

// testGlobals creates a Globals struct with captured stdout/stderr and
// private data and runtime directories.
func testGlobals(t *testing.T, format string) (*Globals, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	runtimeDir, err := os.MkdirTemp("", "rtckeep-cli")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(runtimeDir) })

	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.RuntimeDir = runtimeDir

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	return &Globals{
		Format: format,
		Stdout: stdout,
		Stderr: stderr,
		Config: cfg,
	}, stdout, stderr
}

func decodeLines(t *testing.T, b *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(b.Bytes()))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func serveFake(t *testing.T, path string, h ipc.Handler) {
	t.Helper()
	s := ipc.NewServer(path, h, testutil.Logger(t))
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// --- Config Command Tests ---

func TestConfigShowCmd_Run(t *testing.T) {
	t.Run("outputs config in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "text")
		cmd := &ConfigShowCmd{}

		require.NoError(t, cmd.Run(globals))

		output := stdout.String()
		assert.Contains(t, output, "Current Configuration:")
		assert.Contains(t, output, "(defaults)")
		assert.Contains(t, output, "arbitration.heartbeat")
		assert.Contains(t, output, "15s")
	})

	t.Run("outputs config in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		globals.ConfigPath = "/etc/rtckeep/rtckeep.yaml"
		cmd := &ConfigShowCmd{}

		require.NoError(t, cmd.Run(globals))

		var result ConfigOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		assert.Equal(t, "config", result.Type)
		assert.Equal(t, "/etc/rtckeep/rtckeep.yaml", result.ConfigFile)
		assert.Equal(t, "linear", result.Settings["backoff.worker.policy"])
		assert.Equal(t, "exponential", result.Settings["backoff.app.policy"])
		assert.Equal(t, "0s,200ms,500ms,1s", result.Settings["handoff.force_foreground"])
	})
}

func TestConfigPathCmd_Run(t *testing.T) {
	t.Run("says so when no config file", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "text")
		require.NoError(t, (&ConfigPathCmd{}).Run(globals))
		assert.Contains(t, stdout.String(), "No configuration file found")
	})

	t.Run("outputs path in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		globals.ConfigPath = "rtckeep.yaml"
		require.NoError(t, (&ConfigPathCmd{}).Run(globals))

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		assert.Equal(t, "config_path", result["type"])
		assert.Equal(t, "rtckeep.yaml", result["path"])
	})
}

func TestConfigGenerateCmd_Run(t *testing.T) {
	globals, stdout, _ := testGlobals(t, "text")
	require.NoError(t, (&ConfigGenerateCmd{}).Run(globals))

	output := stdout.String()
	assert.Contains(t, output, "# rtckeep configuration file")
	assert.Contains(t, output, "format: ndjson")
	assert.Contains(t, output, "policy: linear")
	assert.Contains(t, output, "force_foreground: [0s, 200ms, 500ms, 1s]")
}

// --- Schema Command Tests ---

func TestSchemaCmd_Run(t *testing.T) {
	t.Run("outputs all schemas by default", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		require.NoError(t, (&SchemaCmd{}).Run(globals))

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		assert.Equal(t, "http://json-schema.org/draft-07/schema#", result["$schema"])
		assert.Equal(t, "rtckeep Output Schemas", result["title"])

		defs := result["definitions"].(map[string]interface{})
		for _, name := range schemaTypes {
			assert.Contains(t, defs, name)
		}
	})

	t.Run("filters schemas by type", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		require.NoError(t, (&SchemaCmd{Type: []string{"event", " ERROR "}}).Run(globals))

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		defs := result["definitions"].(map[string]interface{})
		assert.Len(t, defs, 2)
		assert.Contains(t, defs, "event")
		assert.Contains(t, defs, "error")
	})
}

func TestEventSchema(t *testing.T) {
	schema := eventSchema()

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, "Event", schema["title"])

	props := schema["properties"].(map[string]interface{})
	for _, payload := range []string{"connection", "registration", "transport", "call", "network", "ownership", "handoff", "session_start", "session_end"} {
		assert.Contains(t, props, payload)
	}
	conn := props["connection"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Equal(t, []string{"disconnected", "connecting", "registered", "failed"}, conn["to"].(map[string]interface{})["enum"])
}

func TestErrorSchemaListsClassifiedCodes(t *testing.T) {
	codes := errorSchema()["properties"].(map[string]interface{})["code"].(map[string]interface{})["enum"].([]string)
	for _, err := range []error{
		domain.ErrNotConfigured,
		domain.NewConfigError("server", errors.New("bad")),
		domain.ErrAttemptsExhausted,
		domain.ErrCallNotFound,
		ipc.ErrUnavailable,
		ipc.ErrRemote,
		errors.New("other"),
	} {
		code, _ := classify(err)
		assert.Contains(t, codes, code)
	}
}

// --- Version Command Tests ---

func TestVersionCmd_Run(t *testing.T) {
	t.Run("outputs version in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "text")
		require.NoError(t, (&VersionCmd{}).Run(globals))
		assert.Contains(t, stdout.String(), "rtckeep "+Version)
		assert.Contains(t, stdout.String(), goInstallCmd)
	})

	t.Run("outputs version in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		require.NoError(t, (&VersionCmd{}).Run(globals))

		var result VersionOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		assert.Equal(t, "version", result.Type)
		assert.Equal(t, Version, result.Version)
		assert.Equal(t, Commit, result.Commit)
	})
}

// --- Errors ---

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("load: %w", domain.ErrNotConfigured), "NOT_CONFIGURED"},
		{domain.NewConfigError("password", domain.ErrMissingCredential), "CONFIG_ERROR"},
		{domain.ErrAttemptsExhausted, "ATTEMPTS_EXHAUSTED"},
		{domain.ErrCallNotFound, "CALL_NOT_FOUND"},
		{fmt.Errorf("%w: dial", ipc.ErrUnavailable), "PROCESS_UNAVAILABLE"},
		{fmt.Errorf("%w: nope", ipc.ErrRemote), "REMOTE_ERROR"},
		{errors.New("boom"), "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			code, _ := classify(tt.err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestOutputError(t *testing.T) {
	t.Run("ndjson goes to stdout", func(t *testing.T) {
		globals, stdout, stderr := testGlobals(t, "ndjson")
		err := outputError(globals, domain.ErrNotConfigured)
		require.Error(t, err)

		var line output.ErrorOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &line))
		assert.Equal(t, "error", line.Type)
		assert.Equal(t, "NOT_CONFIGURED", line.Code)
		assert.NotEmpty(t, line.Hint)
		assert.Empty(t, stderr.String())
	})

	t.Run("text goes to stderr", func(t *testing.T) {
		globals, stdout, stderr := testGlobals(t, "text")
		require.Error(t, outputErrorCommon(globals, "SOCKET_IN_USE", "address in use", "is another worker running?"))
		assert.Empty(t, stdout.String())
		assert.Equal(t, "Error [SOCKET_IN_USE]: address in use (hint: is another worker running?)\n", stderr.String())
	})
}

// --- Event stream ---

func TestStreamFlagsPipeline(t *testing.T) {
	t.Run("invalid pattern", func(t *testing.T) {
		_, err := StreamFlags{Pattern: "("}.pipeline()
		require.Error(t, err)
	})

	t.Run("empty excludes are ignored", func(t *testing.T) {
		p, err := StreamFlags{Exclude: []string{"", ""}}.pipeline()
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("where and exclude combine", func(t *testing.T) {
		p, err := StreamFlags{Where: []string{"type=handoff"}, Exclude: []string{"expired"}}.pipeline()
		require.NoError(t, err)

		now := time.Now()
		claimed := domain.NewHandoffEvent(now, domain.HandoffChange{CallID: "c1", To: domain.HandoffClaimed})
		expired := domain.NewHandoffEvent(now, domain.HandoffChange{CallID: "c1", To: domain.HandoffExpired})
		conn := domain.NewConnectionEvent(now, domain.ConnectionChange{To: domain.StateRegistered})
		assert.True(t, p.Match(&claimed))
		assert.False(t, p.Match(&expired))
		assert.False(t, p.Match(&conn))
	})
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Count(string(b), "\n")
}

func TestEventEmitterRotatesPerSession(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	var out bytes.Buffer

	p, err := StreamFlags{Where: []string{"type=connection_state"}}.pipeline()
	require.NoError(t, err)
	em := newEventEmitter(output.NewNDJSONWriter(&out), p, newRotation(dir, "worker"), testutil.Logger(t))
	detach := em.Attach(bus)

	now := time.Now()
	bus.Publish(domain.NewSessionStart(now, domain.SessionStart{Session: 1, SessionID: "s1", Account: "alice@example.com"}))
	bus.Publish(domain.NewConnectionEvent(now, domain.ConnectionChange{From: domain.StateConnecting, To: domain.StateRegistered}))
	bus.Publish(domain.NewSessionStart(now, domain.SessionStart{Session: 2, SessionID: "s2", PreviousSession: 1, Account: "alice@example.com"}))
	bus.Publish(domain.NewConnectionEvent(now, domain.ConnectionChange{From: domain.StateRegistered, To: domain.StateConnecting}))
	bus.Publish(domain.NewConnectionEvent(now, domain.ConnectionChange{From: domain.StateConnecting, To: domain.StateRegistered}))
	detach()
	em.Close()

	// session_start lines are filtered out by --where but still rotate
	assert.Equal(t, 3, strings.Count(out.String(), "\n"))
	assert.Equal(t, 1, countLines(t, filepath.Join(dir, "worker-session-1.ndjson")))
	assert.Equal(t, 2, countLines(t, filepath.Join(dir, "worker-session-2.ndjson")))
}

func TestRotationOldWriterGoesQuiet(t *testing.T) {
	r := newRotation(t.TempDir(), "app")
	w1, _, err := r.Open(1)
	require.NoError(t, err)
	_, _, err = r.Open(2)
	require.NoError(t, err)
	defer r.Close()

	_, err = w1.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Nil(t, newRotation("", "app"))
}

// --- Control commands ---

func TestEndpointSetAndShow(t *testing.T) {
	globals, stdout, _ := testGlobals(t, "ndjson")

	set := &EndpointSetCmd{Transport: "wss", Server: "sip.example.com:443", Username: "alice", Password: "secret"}
	require.NoError(t, set.Run(globals))

	lines := decodeLines(t, stdout)
	require.Len(t, lines, 1)
	assert.Equal(t, "endpoint", lines[0]["type"])
	assert.Equal(t, "alice@sip.example.com", lines[0]["account"])
	assert.Equal(t, "********", lines[0]["endpoint"].(map[string]interface{})["password"])

	stdout.Reset()
	require.NoError(t, (&EndpointShowCmd{}).Run(globals))
	lines = decodeLines(t, stdout)
	require.Len(t, lines, 1)
	assert.Equal(t, "sip.example.com:443", lines[0]["endpoint"].(map[string]interface{})["server"])

	// the stored copy keeps the real password
	st, err := store.Open(context.Background(), globals.Config.DBPath())
	require.NoError(t, err)
	defer st.Close()
	ep, err := state.NewRepository(st).LoadEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", ep.Password)
}

func TestEndpointSetPushesToRunningWorker(t *testing.T) {
	globals, _, _ := testGlobals(t, "ndjson")
	got := make(chan domain.Endpoint, 1)
	serveFake(t, ipc.WorkerSocket(globals.Config.RuntimeDir), func(ctx context.Context, m ipc.Message) (*ipc.Message, error) {
		if m.Type == ipc.TypeUpdateEndpoint {
			got <- *m.Endpoint
		}
		return nil, nil
	})

	set := &EndpointSetCmd{Transport: "tls", Server: "sip.example.com:5061", Username: "bob", Password: "pw"}
	require.NoError(t, set.Run(globals))
	select {
	case ep := <-got:
		assert.Equal(t, "bob", ep.Username)
		assert.Equal(t, "pw", ep.Password)
	case <-time.After(time.Second):
		t.Fatal("worker never received updateEndpoint")
	}
}

func TestEndpointSetRejectsInvalid(t *testing.T) {
	globals, stdout, _ := testGlobals(t, "ndjson")
	set := &EndpointSetCmd{Transport: "wss", Server: "no-port", Username: "alice", Password: "secret"}
	require.Error(t, set.Run(globals))

	lines := decodeLines(t, stdout)
	require.Len(t, lines, 1)
	assert.Equal(t, "INVALID_ENDPOINT", lines[0]["code"])
	_, err := os.Stat(globals.Config.DBPath())
	assert.True(t, os.IsNotExist(err))
}

func TestEndpointShowBeforeSetup(t *testing.T) {
	globals, stdout, _ := testGlobals(t, "ndjson")
	require.Error(t, (&EndpointShowCmd{}).Run(globals))
	assert.Equal(t, "NOT_CONFIGURED", decodeLines(t, stdout)[0]["code"])
}

func TestStatusCmd(t *testing.T) {
	t.Run("nothing running", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		require.NoError(t, (&StatusCmd{}).Run(globals))

		lines := decodeLines(t, stdout)
		require.Len(t, lines, 2)
		for i, process := range []string{"worker", "app"} {
			assert.Equal(t, "status", lines[i]["type"])
			assert.Equal(t, process, lines[i]["process"])
			assert.Equal(t, false, lines[i]["status"].(map[string]interface{})["running"])
		}
	})

	t.Run("worker running with shared store", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		require.NoError(t, os.MkdirAll(globals.Config.DataDir, 0o700))
		st, err := store.Open(context.Background(), globals.Config.DBPath())
		require.NoError(t, err)
		require.NoError(t, state.NewRepository(st).SetShouldMaintain(context.Background(), true))
		require.NoError(t, st.Close())

		serveFake(t, ipc.WorkerSocket(globals.Config.RuntimeDir), func(ctx context.Context, m ipc.Message) (*ipc.Message, error) {
			r, err := m.Pong(map[string]interface{}{"state": "registered", "maintaining": true, "owning": true, "account": "alice@example.com"})
			return &r, err
		})

		require.NoError(t, (&StatusCmd{}).Run(globals))
		lines := decodeLines(t, stdout)
		require.Len(t, lines, 3)

		worker := lines[0]["status"].(map[string]interface{})
		assert.Equal(t, true, worker["running"])
		assert.Equal(t, "registered", worker["state"])
		assert.Equal(t, true, worker["owning"])

		assert.Equal(t, "shared", lines[2]["process"])
		assert.Equal(t, true, lines[2]["status"].(map[string]interface{})["should_maintain"])
	})
}

func TestRenderSnapshot(t *testing.T) {
	owning := true
	now := time.Now()
	snap := snapshot{
		Worker: processStatus{
			Running: true,
			Status:  engine.Status{State: domain.StateRegistered, Maintaining: true, Account: "alice@example.com"},
			Owning:  &owning,
		},
		App: processStatus{Error: "ipc: peer not listening"},
		Shared: &sharedStatus{
			ShouldMaintain: true,
			Background:     domain.OwnershipRecord{Owner: domain.OwnerBackground, Active: true, Heartbeat: now.Add(-10 * time.Second)},
			Forwarded:      &domain.ForwardedCallDescriptor{CallID: "c1", Caller: "carol", State: domain.HandoffAnnounced, Timestamp: now},
		},
		At: now,
	}

	var buf bytes.Buffer
	require.NoError(t, renderSnapshot(&buf, snap, false))
	out := buf.String()
	assert.Contains(t, out, "registered")
	assert.Contains(t, out, "owning")
	assert.Contains(t, out, "peer not listening")
	assert.Contains(t, out, "Foreground:       never reported")
	assert.Contains(t, out, "Background:       active (heartbeat 10s ago)")
	assert.Contains(t, out, "Forwarded call:   c1 from carol")
}

func TestAnswerAndDecline(t *testing.T) {
	globals, stdout, _ := testGlobals(t, "ndjson")
	var mu sync.Mutex
	var got []ipc.ActionPayload
	serveFake(t, ipc.WorkerSocket(globals.Config.RuntimeDir), func(ctx context.Context, m ipc.Message) (*ipc.Message, error) {
		if m.Type != ipc.TypeNotificationAction {
			return nil, errors.New("unexpected")
		}
		if m.Action.CallID == "gone" {
			return nil, domain.ErrCallNotFound
		}
		mu.Lock()
		got = append(got, *m.Action)
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, (&AnswerCmd{CallID: "c1"}).Run(globals))
	require.NoError(t, (&DeclineCmd{CallID: "c2"}).Run(globals))
	require.Error(t, (&AnswerCmd{CallID: "gone"}).Run(globals))

	mu.Lock()
	assert.Equal(t, []ipc.ActionPayload{
		{Action: bridge.ActionAnswer, CallID: "c1"},
		{Action: bridge.ActionDecline, CallID: "c2"},
	}, got)
	mu.Unlock()

	lines := decodeLines(t, stdout)
	require.Len(t, lines, 3)
	assert.Equal(t, "ack", lines[0]["type"])
	assert.Equal(t, "REMOTE_ERROR", lines[2]["code"])
}

func TestForceReconnectNeedsRunningProcess(t *testing.T) {
	globals, stdout, _ := testGlobals(t, "ndjson")
	require.Error(t, (&ForceReconnectCmd{Target: "app"}).Run(globals))
	assert.Equal(t, "PROCESS_UNAVAILABLE", decodeLines(t, stdout)[0]["code"])
}

func TestStopCmd(t *testing.T) {
	t.Run("clears the flag when nothing runs", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		require.NoError(t, os.MkdirAll(globals.Config.DataDir, 0o700))
		st, err := store.Open(context.Background(), globals.Config.DBPath())
		require.NoError(t, err)
		defer st.Close()
		repo := state.NewRepository(st)
		require.NoError(t, repo.SetShouldMaintain(context.Background(), true))

		require.NoError(t, (&StopCmd{}).Run(globals))
		assert.Equal(t, "store", decodeLines(t, stdout)[0]["target"])

		maintain, err := repo.ShouldMaintain(context.Background())
		require.NoError(t, err)
		assert.False(t, maintain)
	})

	t.Run("reaches a running worker", func(t *testing.T) {
		globals, stdout, _ := testGlobals(t, "ndjson")
		stopped := make(chan struct{}, 1)
		serveFake(t, ipc.WorkerSocket(globals.Config.RuntimeDir), func(ctx context.Context, m ipc.Message) (*ipc.Message, error) {
			if m.Type == ipc.TypeStop {
				stopped <- struct{}{}
			}
			return nil, nil
		})

		require.NoError(t, (&StopCmd{}).Run(globals))
		require.Len(t, stopped, 1)
		lines := decodeLines(t, stdout)
		require.Len(t, lines, 1)
		assert.Equal(t, "worker", lines[0]["target"])
	})
}

// --- Monitor ---

func TestMonitorModel(t *testing.T) {
	globals, _, _ := testGlobals(t, "text")
	m := newMonitorModel(context.Background(), globals.Config, time.Second)
	assert.Contains(t, m.View(), "probing")

	next, cmd := m.Update(snapshotMsg(snapshot{
		Worker: processStatus{Running: true, Status: engine.Status{State: domain.StateRegistered, Account: "alice@example.com"}},
		At:     time.Now(),
	}))
	require.NotNil(t, cmd)
	view := next.View()
	assert.Contains(t, view, "registered")
	assert.Contains(t, view, "alice@example.com")
	assert.Contains(t, view, "not running")

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
