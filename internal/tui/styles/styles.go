// Package styles holds the console's lipgloss styles.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	Primary    = lipgloss.Color("#2563EB")
	Secondary  = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")
	Purple     = lipgloss.Color("#7C3AED")

	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)
)

// ForStatus returns the style for an execution status.
func ForStatus(status string) lipgloss.Style {
	switch status {
	case "completed":
		return StatusOK
	case "failed":
		return StatusError
	case "paused", "pending":
		return StatusWarning
	case "running":
		return lipgloss.NewStyle().Foreground(Primary).Bold(true)
	default:
		return Muted
	}
}

// ForLevel returns the style for an approval level.
func ForLevel(level string) lipgloss.Style {
	switch level {
	case "ciso":
		return StatusError
	case "manager":
		return lipgloss.NewStyle().Foreground(Purple).Bold(true)
	default:
		return StatusWarning
	}
}
