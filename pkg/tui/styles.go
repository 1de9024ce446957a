package tui

import "github.com/charmbracelet/lipgloss"

// --- Styles ---
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle  = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			Bold(true)
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	boxStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(0, 1)
	selectedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#3C3C5A"))
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FAFAFA")).
				Bold(true).
				Padding(0, 1)
)

func changeStyle(pct float64) lipgloss.Style {
	if pct < 0 {
		return errStyle
	}
	return infoStyle
}

func stateStyle(s syncState) lipgloss.Style {
	switch s {
	case syncFailed:
		return errStyle
	case syncStale, syncPending:
		return warnStyle
	default:
		return infoStyle
	}
}
