package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Start runs the dashboard until the user quits. staleAfter controls when a
// wallet is flagged stale.
func Start(svc Service, staleAfter time.Duration, version string) error {
	Version = version
	m := initialModel(svc, staleAfter)
	m.sub = svc.Subscribe()
	defer svc.Unsubscribe(m.sub)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
