package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/dreamine/hybridhost/internal/supervisor"
)

var (
	primaryColor = lipgloss.Color("#A78BFA") // violet-400
	okColor      = lipgloss.Color("#10B981")
	warnColor    = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171") // red-400
	mutedColor   = lipgloss.Color("#9CA3AF")
	textColor    = lipgloss.Color("#F9FAFB")
	borderColor  = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	hostStyle  = lipgloss.NewStyle().Foreground(primaryColor)
	guestStyle = lipgloss.NewStyle().Foreground(okColor)
	badgeStyle = lipgloss.NewStyle().Bold(true).Foreground(textColor).Padding(0, 1)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)
)

// stateColor maps a lifecycle state to its badge color.
func stateColor(s supervisor.State) lipgloss.Color {
	switch s {
	case supervisor.StateReady:
		return okColor
	case supervisor.StateInitializing:
		return warnColor
	case supervisor.StateDegraded:
		return errorColor
	default:
		return mutedColor
	}
}

func stateBadge(s supervisor.State) string {
	return badgeStyle.Background(stateColor(s)).Render(s.String())
}
