package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/vburojevic/rtckeep/internal/bridge"
	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"github.com/vburojevic/rtckeep/internal/output"
)

const controlTimeout = 5 * time.Second

// StatusCmd prints both processes' status and the shared store.
type StatusCmd struct{}

// Run executes the status command
func (c *StatusCmd) Run(globals *Globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	snap := takeSnapshot(ctx, globals.Config)
	if globals.Format == "ndjson" {
		w := output.NewNDJSONWriter(globals.Stdout)
		_ = w.WriteStatus("worker", snap.Worker)
		_ = w.WriteStatus("app", snap.App)
		if snap.Shared != nil {
			_ = w.WriteStatus("shared", snap.Shared)
		}
		return nil
	}
	return renderSnapshot(globals.Stdout, snap, isTerminal(globals.Stdout))
}

func renderSnapshot(w io.Writer, snap snapshot, color bool) error {
	paint := func(s lipgloss.Style, v string) string {
		if !color {
			return v
		}
		return s.Render(v)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Process", "Running", "State", "Attempts", "Maintaining", "Account", "Detail")
	for _, row := range []struct {
		name string
		ps   processStatus
	}{{"worker", snap.Worker}, {"app", snap.App}} {
		if !row.ps.Running {
			_ = table.Append(row.name, "no", "-", "-", "-", "-", row.ps.Error)
			continue
		}
		_ = table.Append(
			row.name,
			"yes",
			paint(output.StateStyle(row.ps.State), row.ps.State.String()),
			strconv.Itoa(row.ps.Attempts),
			yesNo(row.ps.Maintaining),
			row.ps.Account,
			processDetail(row.ps),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}

	if snap.Shared == nil {
		_, err := fmt.Fprintln(w, "\nNo coordination store yet.")
		return err
	}
	s := snap.Shared
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Account:          %s\n", orDash(s.Account))
	fmt.Fprintf(w, "Should maintain:  %s\n", yesNo(s.ShouldMaintain))
	fmt.Fprintf(w, "Foreground:       %s\n", describeRecord(s.Foreground, snap.At))
	fmt.Fprintf(w, "Background:       %s\n", describeRecord(s.Background, snap.At))
	if s.Forwarded != nil {
		fmt.Fprintf(w, "Forwarded call:   %s from %s (%s, %s ago)\n",
			s.Forwarded.CallID, s.Forwarded.Caller, s.Forwarded.State,
			snap.At.Sub(s.Forwarded.Timestamp).Round(time.Second))
	}
	return nil
}

func processDetail(ps processStatus) string {
	switch {
	case ps.ConfigError != "":
		return "connection failed, check settings: " + ps.ConfigError
	case ps.Exhausted:
		return "attempts exhausted, run force-reconnect"
	case ps.Owning != nil && *ps.Owning:
		return "owning"
	case ps.ForegroundActive != nil && *ps.ForegroundActive:
		return "deferring to foreground"
	case ps.LastTakeover != "":
		return "last takeover: " + ps.LastTakeover
	case ps.Maintaining && ps.State != domain.StateRegistered:
		return "reconnecting"
	}
	return ""
}

func describeRecord(r domain.OwnershipRecord, now time.Time) string {
	if r.Heartbeat.IsZero() {
		return "never reported"
	}
	age := now.Sub(r.Heartbeat).Round(time.Second)
	if r.ActiveAt(now, domain.OwnershipStaleness) {
		return fmt.Sprintf("active (heartbeat %s ago)", age)
	}
	if r.Active {
		return fmt.Sprintf("stale (heartbeat %s ago)", age)
	}
	return fmt.Sprintf("inactive (%s ago)", age)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// AnswerCmd answers a forwarded call through the worker.
type AnswerCmd struct {
	CallID string `arg:"" name:"call-id" help:"Call to answer"`
}

// Run executes the answer command
func (c *AnswerCmd) Run(globals *Globals) error {
	return notificationAction(globals, bridge.ActionAnswer, c.CallID)
}

// DeclineCmd declines a forwarded call through the worker.
type DeclineCmd struct {
	CallID string `arg:"" name:"call-id" help:"Call to decline"`
}

// Run executes the decline command
func (c *DeclineCmd) Run(globals *Globals) error {
	return notificationAction(globals, bridge.ActionDecline, c.CallID)
}

func notificationAction(globals *Globals, action, callID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	client := newControlClient(globals.Config, "worker")
	if err := client.NotificationAction(ctx, action, callID); err != nil {
		return outputError(globals, err)
	}
	return writeAck(globals, action, "worker")
}

// ForceReconnectCmd resets the retry budget and reconnects now.
type ForceReconnectCmd struct {
	Target string `enum:"worker,app" default:"worker" help:"Process to reconnect (worker, app)"`
}

// Run executes the force-reconnect command
func (c *ForceReconnectCmd) Run(globals *Globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	client := newControlClient(globals.Config, c.Target)
	if err := client.ForceReconnect(ctx); err != nil {
		return outputError(globals, err)
	}
	return writeAck(globals, "force_reconnect", c.Target)
}

// StopCmd stops maintaining the registration in both processes.
type StopCmd struct{}

// Run executes the stop command. A process that is not running is
// skipped; when neither is, the durable flag is cleared directly.
func (c *StopCmd) Run(globals *Globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	reached := 0
	for _, target := range []string{"worker", "app"} {
		err := newControlClient(globals.Config, target).Stop(ctx)
		switch {
		case err == nil:
			reached++
			if err := writeAck(globals, "stop", target); err != nil {
				return err
			}
		case errors.Is(err, ipc.ErrUnavailable):
			globals.Debug("%s not running", target)
		default:
			return outputError(globals, err)
		}
	}
	if reached > 0 {
		return nil
	}

	st, repo, err := openRepository(ctx, globals.Config)
	if errors.Is(err, domain.ErrNotConfigured) {
		return writeAck(globals, "stop", "none")
	}
	if err != nil {
		return outputError(globals, err)
	}
	defer st.Close()
	if err := repo.SetShouldMaintain(ctx, false); err != nil {
		return outputError(globals, err)
	}
	return writeAck(globals, "stop", "store")
}

func socketPath(cfg *config.Config, target string) string {
	if target == "app" {
		return ipc.AppSocket(cfg.RuntimeDir)
	}
	return ipc.WorkerSocket(cfg.RuntimeDir)
}

func newControlClient(cfg *config.Config, target string) *ipc.Client {
	return ipc.NewClient(socketPath(cfg, target))
}

// AckOutput confirms a control command was accepted.
type AckOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Action        string `json:"action"`
	Target        string `json:"target"`
}

func writeAck(globals *Globals, action, target string) error {
	if globals.Quiet {
		return nil
	}
	if globals.Format == "ndjson" {
		return writeJSON(globals.Stdout, AckOutput{
			Type:          "ack",
			SchemaVersion: output.SchemaVersion,
			Action:        action,
			Target:        target,
		})
	}
	_, err := fmt.Fprintf(globals.Stdout, "%s: ok (%s)\n", action, target)
	return err
}
