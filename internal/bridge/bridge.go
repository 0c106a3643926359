// Package bridge is the boundary to the native call UI and notifications.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notification actions.
const (
	ActionAnswer  = "answer_call"
	ActionDecline = "decline_call"
)

// Bridge drives the native call UI.
type Bridge interface {
	ShowIncomingCall(ctx context.Context, callID, caller, handle string) error
	// ForceForeground asks the platform to bring the foreground process up.
	// retryTier is the index in the redundant launch schedule.
	ForceForeground(ctx context.Context, callID, caller string, retryTier int) error
	EndCall(ctx context.Context, callID string) error
}

// Notification is a user-visible notice, optionally with actions.
type Notification struct {
	CallID  string
	Title   string
	Body    string
	Actions []string // empty for passive notices
}

// Notifier shows notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogBridge writes every request as a structured log line.
type LogBridge struct {
	log *zap.Logger
}

func NewLogBridge(log *zap.Logger) *LogBridge {
	return &LogBridge{log: log.Named("bridge")}
}

func (b *LogBridge) ShowIncomingCall(ctx context.Context, callID, caller, handle string) error {
	b.log.Info("show incoming call", zap.String("call_id", callID), zap.String("caller", caller), zap.String("handle", handle))
	return nil
}

func (b *LogBridge) ForceForeground(ctx context.Context, callID, caller string, retryTier int) error {
	b.log.Info("force foreground", zap.String("call_id", callID), zap.String("caller", caller), zap.Int("retry_tier", retryTier))
	return nil
}

func (b *LogBridge) EndCall(ctx context.Context, callID string) error {
	b.log.Info("end call", zap.String("call_id", callID))
	return nil
}

func (b *LogBridge) Notify(ctx context.Context, n Notification) error {
	b.log.Info("notify",
		zap.String("call_id", n.CallID),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.Strings("actions", n.Actions),
	)
	return nil
}

// Runner executes a command. Tests replace it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs real processes.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var errNoCommand = errors.New("bridge: no hook command configured")

// CommandBridge invokes a hook program for every request:
//
//	<command...> show-incoming <call_id> <caller> <handle>
//	<command...> force-foreground <call_id> <caller> <tier>
//	<command...> end-call <call_id>
//	<command...> notify <call_id> <title> <body> <actions>
type CommandBridge struct {
	argv    []string
	timeout time.Duration
	runner  Runner
	log     *zap.Logger
}

// NewCommandBridge splits command on whitespace.
func NewCommandBridge(command string, log *zap.Logger) *CommandBridge {
	return NewCommandBridgeWithRunner(command, OSRunner{}, log)
}

func NewCommandBridgeWithRunner(command string, runner Runner, log *zap.Logger) *CommandBridge {
	return &CommandBridge{
		argv:    strings.Fields(command),
		timeout: 5 * time.Second,
		runner:  runner,
		log:     log.Named("bridge"),
	}
}

func (b *CommandBridge) run(ctx context.Context, verb string, args ...string) error {
	if len(b.argv) == 0 {
		return errNoCommand
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	full := append(append(append([]string(nil), b.argv[1:]...), verb), args...)
	out, err := b.runner.Run(ctx, b.argv[0], full...)
	if err != nil {
		return fmt.Errorf("bridge %s: %w: %s", verb, err, strings.TrimSpace(string(out)))
	}
	b.log.Debug("hook ran", zap.String("verb", verb), zap.Strings("args", args))
	return nil
}

func (b *CommandBridge) ShowIncomingCall(ctx context.Context, callID, caller, handle string) error {
	return b.run(ctx, "show-incoming", callID, caller, handle)
}

func (b *CommandBridge) ForceForeground(ctx context.Context, callID, caller string, retryTier int) error {
	return b.run(ctx, "force-foreground", callID, caller, strconv.Itoa(retryTier))
}

func (b *CommandBridge) EndCall(ctx context.Context, callID string) error {
	return b.run(ctx, "end-call", callID)
}

func (b *CommandBridge) Notify(ctx context.Context, n Notification) error {
	return b.run(ctx, "notify", n.CallID, n.Title, n.Body, strings.Join(n.Actions, ","))
}
