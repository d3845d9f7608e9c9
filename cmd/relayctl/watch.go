package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"snippet-relay/pkg/protocol"
	"snippet-relay/pkg/relayclient"
)

const maxWatchEvents = 200

var (
	colorOK    = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarn  = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorMuted = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorFrame = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}

	titleStyle  = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorFrame).
			Padding(0, 1)
)

type statusMsg relayclient.Status

type pushMsg struct {
	at      time.Time
	event   string
	payload protocol.PushPayload
}

type connectErrMsg struct{ err error }

type watchModel struct {
	url    string
	status relayclient.Status
	events []pushMsg
	err    error
	width  int
	height int
}

func newWatchModel(url string) watchModel {
	return watchModel{url: url, status: relayclient.Status{State: relayclient.StateConnecting}}
}

func (m watchModel) Init() tea.Cmd { return nil }

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "c":
			m.events = nil
		}
	case statusMsg:
		m.status = relayclient.Status(msg)
		if m.status.Connected {
			m.err = nil
		}
	case pushMsg:
		m.events = append(m.events, msg)
		if len(m.events) > maxWatchEvents {
			m.events = m.events[len(m.events)-maxWatchEvents:]
		}
	case connectErrMsg:
		m.err = msg.err
		m.status = relayclient.Status{State: relayclient.StateDisconnected}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	conn := errStyle.Render(m.status.State.String())
	switch m.status.State {
	case relayclient.StateConnected:
		conn = okStyle.Render("connected")
	case relayclient.StateConnecting:
		conn = warnStyle.Render("connecting")
	}
	worker := errStyle.Render("no server")
	if m.status.WorkerAvailable {
		worker = okStyle.Render("server ok")
	}
	header := fmt.Sprintf("%s  %s\nbroker  %s\nworker  %s",
		titleStyle.Render("relay watch"), mutedStyle.Render(m.url), conn, worker)
	if m.err != nil {
		header += "\n" + errStyle.Render("error   "+m.err.Error())
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	rows := m.visibleEvents()
	if len(rows) == 0 {
		b.WriteString(mutedStyle.Render("  waiting for push events"))
		b.WriteString("\n")
	}
	for _, e := range rows {
		b.WriteString(formatEvent(e))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("q quit  c clear"))
	return b.String()
}

// visibleEvents returns the newest events that fit below the header.
func (m watchModel) visibleEvents() []pushMsg {
	limit := len(m.events)
	if m.height > 0 {
		// header box, footer and a spare line
		room := m.height - 7
		if room < 1 {
			room = 1
		}
		limit = min(limit, room)
	}
	return m.events[len(m.events)-limit:]
}

func formatEvent(e pushMsg) string {
	data := string(e.payload.Data)
	if data == "" {
		data = "-"
	}
	return fmt.Sprintf("  %s %-16s %-12s %s",
		mutedStyle.Render(e.at.Format("15:04:05.000")), e.event, e.payload.Name, data)
}

func runWatch(ctx context.Context, opts cliOptions) error {
	c := newClient(opts, relayclient.WithReconnect(500*time.Millisecond, 10*time.Second))
	p := tea.NewProgram(newWatchModel(opts.url), tea.WithAltScreen(), tea.WithContext(ctx))

	c.OnStatusChange(func(s relayclient.Status) { p.Send(statusMsg(s)) })
	push := func(event string) func(protocol.PushPayload) {
		return func(pp protocol.PushPayload) {
			p.Send(pushMsg{at: time.Now(), event: event, payload: pp})
		}
	}
	c.OnSingleSample(push(protocol.EventSingleSample))
	c.OnSamplerComplete(push(protocol.EventSamplerComplete))

	go func() {
		if err := c.Connect(ctx); err != nil {
			p.Send(connectErrMsg{err: err})
		}
	}()

	_, err := p.Run()
	c.Close()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
