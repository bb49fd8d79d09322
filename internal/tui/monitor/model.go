package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/supervisor"
)

const (
	// DefaultHistory is how many bus messages the view keeps.
	DefaultHistory = 200

	refreshInterval = 250 * time.Millisecond
	payloadWidth    = 60
)

// Source supplies the runtime state shown in the header. *supervisor.Handle
// satisfies it.
type Source interface {
	Snapshot() supervisor.Snapshot
}

// MessageMsg carries one bus message into the program.
type MessageMsg bus.Message

type refreshMsg time.Time

// Model is the bubbletea model of the monitor.
type Model struct {
	title    string
	source   Source
	snapshot supervisor.Snapshot
	entries  []bus.Message
	history  int
	dropped  int
	paused   bool
	width    int
	height   int
	keys     keyMap
	help     help.Model
}

// New creates a monitor model for source.
func New(title string, source Source) Model {
	m := Model{
		title:   title,
		source:  source,
		history: DefaultHistory,
		keys:    defaultKeyMap(),
		help:    help.New(),
	}
	if source != nil {
		m.snapshot = source.Snapshot()
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return refresh()
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
		case key.Matches(msg, m.keys.Clear):
			m.entries = nil
			m.dropped = 0
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}
		return m, nil

	case MessageMsg:
		if m.paused {
			m.dropped++
			return m, nil
		}
		m.entries = append(m.entries, bus.Message(msg))
		if over := len(m.entries) - m.history; over > 0 {
			m.entries = m.entries[over:]
		}
		return m, nil

	case refreshMsg:
		if m.source != nil {
			m.snapshot = m.source.Snapshot()
		}
		return m, refresh()
	}
	return m, nil
}

// Entries returns the messages currently held by the view.
func (m Model) Entries() []bus.Message { return m.entries }

// Paused reports whether new messages are being discarded.
func (m Model) Paused() bool { return m.paused }

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("  ")
	b.WriteString(stateBadge(m.snapshot.State))
	if m.paused {
		b.WriteString("  ")
		b.WriteString(mutedStyle.Render(fmt.Sprintf("paused (%d skipped)", m.dropped)))
	}
	b.WriteString("\n")
	b.WriteString(m.renderInfo())
	b.WriteString("\n")
	b.WriteString(m.renderMessages())
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderInfo() string {
	s := m.snapshot
	lines := []string{
		fmt.Sprintf("runtime  %s", valueOr(s.ID, "-")),
		fmt.Sprintf("version  %s", valueOr(s.Version, "-")),
		fmt.Sprintf("last seq %d", s.LastSeq),
	}
	if s.Reason != "" {
		lines = append(lines, lipgloss.NewStyle().Foreground(errorColor).Render("reason   "+s.Reason))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderMessages() string {
	if len(m.entries) == 0 {
		return mutedStyle.Render("no messages yet")
	}

	visible := m.entries
	if limit := m.visibleRows(); limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}

	rows := make([]string, 0, len(visible))
	for _, msg := range visible {
		origin := hostStyle.Render(fmt.Sprintf("%-5s", msg.Origin))
		if msg.Origin == bus.OriginGuest {
			origin = guestStyle.Render(fmt.Sprintf("%-5s", msg.Origin))
		}
		rows = append(rows, fmt.Sprintf("%6d %s %-28s %s",
			msg.Seq, origin, msg.Topic, mutedStyle.Render(summarize(msg.Payload))))
	}
	return strings.Join(rows, "\n")
}

// visibleRows is how many message rows fit below the header, or 0 when the
// terminal size is unknown.
func (m Model) visibleRows() int {
	if m.height == 0 {
		return 0
	}
	header := lipgloss.Height(m.renderInfo()) + 3
	return max(m.height-header, 1)
}

func summarize(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	s := string(data)
	if len(s) > payloadWidth {
		s = s[:payloadWidth-3] + "..."
	}
	return s
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
