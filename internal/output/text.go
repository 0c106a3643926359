package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/vburojevic/rtckeep/internal/domain"
)

var (
	styleTime  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleType  = lipgloss.NewStyle().Bold(true)
	styleGood  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// StateStyle colours a connection state.
func StateStyle(s domain.ConnectionState) lipgloss.Style {
	switch s {
	case domain.StateRegistered:
		return styleGood
	case domain.StateConnecting:
		return styleWarn
	case domain.StateFailed:
		return styleBad
	}
	return styleMuted
}

// TextWriter renders one human-readable line per record.
type TextWriter struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewTextWriter writes plain text unless color is set.
func NewTextWriter(w io.Writer, color bool) *TextWriter {
	return &TextWriter{w: w, color: color}
}

func (t *TextWriter) render(s lipgloss.Style, v string) string {
	if !t.color {
		return v
	}
	return s.Render(v)
}

func (t *TextWriter) line(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.w, format+"\n", args...)
	return err
}

func (t *TextWriter) WriteEvent(ev domain.Event) error {
	return t.line("%s %s %s",
		t.render(styleTime, ev.Timestamp),
		t.render(styleType, string(ev.Type)),
		t.describe(ev))
}

// describe renders the payload that matches the event type.
func (t *TextWriter) describe(ev domain.Event) string {
	var parts []string
	if ev.Source != "" {
		parts = append(parts, "["+string(ev.Source)+"]")
	}
	switch {
	case ev.Connection != nil:
		c := ev.Connection
		parts = append(parts, fmt.Sprintf("%s -> %s", c.From, t.render(StateStyle(c.To), c.To.String())))
		if c.Attempt > 0 {
			parts = append(parts, fmt.Sprintf("attempt=%d", c.Attempt))
		}
		if c.NextRetry != "" {
			parts = append(parts, "next="+c.NextRetry)
		}
		if c.Exhausted {
			parts = append(parts, t.render(styleBad, "exhausted"))
		}
		if c.Cause != "" {
			parts = append(parts, "cause="+c.Cause)
		}
	case ev.Registration != nil:
		parts = append(parts, string(ev.Registration.Status))
		if ev.Registration.Cause != "" {
			parts = append(parts, "cause="+ev.Registration.Cause)
		}
	case ev.Transport != nil:
		parts = append(parts, fmt.Sprintf("connected=%t", ev.Transport.Connected))
		if ev.Transport.Cause != "" {
			parts = append(parts, "cause="+ev.Transport.Cause)
		}
	case ev.Call != nil:
		parts = append(parts, ev.Call.CallID, string(ev.Call.State))
		if ev.Call.Remote != "" {
			parts = append(parts, "from="+ev.Call.Remote)
		}
	case ev.Network != nil:
		if ev.Network.Online {
			parts = append(parts, t.render(styleGood, "online"))
		} else {
			parts = append(parts, t.render(styleBad, "offline"))
		}
	case ev.Ownership != nil:
		parts = append(parts, fmt.Sprintf("%s active=%t", ev.Ownership.Owner, ev.Ownership.Active))
	case ev.Handoff != nil:
		h := ev.Handoff
		parts = append(parts, h.CallID, fmt.Sprintf("%s -> %s", h.From, h.To))
		if h.Reason != "" {
			parts = append(parts, "reason="+h.Reason)
		}
	case ev.SessionStart != nil:
		parts = append(parts, fmt.Sprintf("session=%d account=%s", ev.SessionStart.Session, ev.SessionStart.Account))
	case ev.SessionEnd != nil:
		s := ev.SessionEnd
		parts = append(parts, fmt.Sprintf("session=%d duration=%ds calls=%d", s.Session, s.Summary.DurationSeconds, s.Summary.Calls))
		if s.Reason != "" {
			parts = append(parts, "reason="+s.Reason)
		}
	}
	return strings.Join(parts, " ")
}

func (t *TextWriter) WriteStatus(process string, status any) error {
	b, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return t.line("%s %s", t.render(styleType, process), string(b))
}

func (t *TextWriter) WriteError(code, message string, hint ...string) error {
	msg := fmt.Sprintf("%s [%s]: %s", t.render(styleBad, "Error"), code, message)
	if len(hint) > 0 && hint[0] != "" {
		msg += " (hint: " + hint[0] + ")"
	}
	return t.line("%s", msg)
}

func (t *TextWriter) WriteReady(process, socket string) error {
	return t.line("%s listening on %s", t.render(styleGood, process), socket)
}
