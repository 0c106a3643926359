package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/output"
)

// MonitorCmd shows a live, refreshing status view.
type MonitorCmd struct {
	Interval time.Duration `default:"1s" help:"Refresh interval"`
}

// Run executes the monitor command
func (c *MonitorCmd) Run(globals *Globals) error {
	if !isTerminal(globals.Stdout) {
		return outputErrorCommon(globals, "INVALID_FLAGS", "monitor needs a terminal", "use rtckeep status for scripts")
	}
	ctx, cancel := signalContext()
	defer cancel()

	p := tea.NewProgram(newMonitorModel(ctx, globals.Config, c.Interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

type monitorKeys struct {
	Refresh   key.Binding
	Reconnect key.Binding
	Quit      key.Binding
}

func (k monitorKeys) ShortHelp() []key.Binding { return []key.Binding{k.Refresh, k.Reconnect, k.Quit} }

func (k monitorKeys) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var defaultMonitorKeys = monitorKeys{
	Refresh:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Reconnect: key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "force reconnect worker")),
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
}

type snapshotMsg snapshot

type pollTickMsg time.Time

type noticeMsg string

var (
	monitorTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	monitorLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(18)
	monitorBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Width(44)
	monitorDown  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

type monitorModel struct {
	ctx      context.Context
	cfg      *config.Config
	interval time.Duration

	spinner spinner.Model
	help    help.Model
	keys    monitorKeys

	snap    *snapshot
	polling bool
	notice  string
	width   int
}

func newMonitorModel(ctx context.Context, cfg *config.Config, interval time.Duration) monitorModel {
	if interval <= 0 {
		interval = time.Second
	}
	return monitorModel{
		ctx:      ctx,
		cfg:      cfg,
		interval: interval,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:     help.New(),
		keys:     defaultMonitorKeys,
		polling:  true,
	}
}

func (m monitorModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, controlTimeout)
		defer cancel()
		return snapshotMsg(takeSnapshot(ctx, m.cfg))
	}
}

func (m monitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return pollTickMsg(t) })
}

func (m monitorModel) forceReconnect() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, controlTimeout)
		defer cancel()
		if err := newControlClient(m.cfg, "worker").ForceReconnect(ctx); err != nil {
			return noticeMsg("force reconnect: " + err.Error())
		}
		return noticeMsg("force reconnect sent")
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			if !m.polling {
				m.polling = true
				return m, m.poll()
			}
		case key.Matches(msg, m.keys.Reconnect):
			return m, m.forceReconnect()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case snapshotMsg:
		s := snapshot(msg)
		m.snap = &s
		m.polling = false
		return m, m.tick()

	case pollTickMsg:
		if m.polling {
			return m, nil
		}
		m.polling = true
		return m, m.poll()

	case noticeMsg:
		m.notice = string(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m monitorModel) View() string {
	var b strings.Builder
	header := monitorTitle.Render("rtckeep monitor")
	if m.polling {
		header += " " + m.spinner.View()
	}
	b.WriteString(header + "\n\n")

	if m.snap == nil {
		b.WriteString("probing worker and app...\n")
		return b.String()
	}

	boxes := lipgloss.JoinHorizontal(lipgloss.Top,
		monitorBox.Render(processView("worker", m.snap.Worker)),
		monitorBox.Render(processView("app", m.snap.App)),
	)
	b.WriteString(boxes + "\n")

	if s := m.snap.Shared; s != nil {
		b.WriteString(row("should maintain", yesNo(s.ShouldMaintain)))
		b.WriteString(row("foreground", describeRecord(s.Foreground, m.snap.At)))
		b.WriteString(row("background", describeRecord(s.Background, m.snap.At)))
		if s.Forwarded != nil {
			b.WriteString(row("forwarded call", fmt.Sprintf("%s from %s (%s)", s.Forwarded.CallID, s.Forwarded.Caller, s.Forwarded.State)))
		}
	}
	if m.notice != "" {
		b.WriteString("\n" + m.notice + "\n")
	}
	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

func processView(name string, ps processStatus) string {
	var b strings.Builder
	b.WriteString(monitorTitle.Render(name) + "\n")
	if !ps.Running {
		b.WriteString(monitorDown.Render("not running"))
		return b.String()
	}
	b.WriteString(row("state", output.StateStyle(ps.State).Render(ps.State.String())))
	b.WriteString(row("account", orDash(ps.Account)))
	b.WriteString(row("attempts", fmt.Sprint(ps.Attempts)))
	b.WriteString(row("maintaining", yesNo(ps.Maintaining)))
	b.WriteString(row("session", fmt.Sprint(ps.Session)))
	if d := processDetail(ps); d != "" {
		b.WriteString(row("detail", d))
	}
	return strings.TrimRight(b.String(), "\n")
}

func row(label, value string) string {
	return monitorLabel.Render(label) + value + "\n"
}
