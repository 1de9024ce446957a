package tui

import (
	"fmt"
	"strings"

	"walletsync/pkg/utils"

	"github.com/charmbracelet/lipgloss"
)

func (m model) View() string {
	switch m.mode {
	case modeHelp:
		return m.viewHelp()
	case modeDetail:
		return m.viewDetail()
	case modeAdding:
		return m.viewAdd()
	case modeRenaming:
		w, _ := m.selected()
		return m.centered(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Rename Wallet"),
			"",
			fmt.Sprintf("Wallet: %s", utils.ShortID(w.ID)),
			"",
			m.renameInput.View(),
			"",
			subtleStyle.Render("Enter to save • Esc to cancel"),
		)))
	case modeConfirmRemove:
		w, _ := m.selected()
		return m.centered(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Center,
			titleStyle.Render("Confirm Remove"),
			"",
			fmt.Sprintf("Stop tracking %s on %s?", m.maskString(w.Label()), w.Network),
			"",
			subtleStyle.Render("(y) Yes • (n) No"),
		)))
	}
	return m.viewList()
}

func (m model) centered(s string) string {
	if m.width == 0 || m.height == 0 {
		return s
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, s)
}

func (m model) header() string {
	title := titleStyle.Render("walletsync " + Version)
	total := fmt.Sprintf("Portfolio %s", m.displayUSD(portfolioTotal(m.wallets)))
	count := fmt.Sprintf("%d/%d wallets", len(m.wallets), m.svc.MaxWallets())
	parts := []string{title, infoStyle.Render(total), subtleStyle.Render(count)}
	if m.privacyMode {
		parts = append(parts, warnStyle.Render("[privacy]"))
	}
	if m.refreshing > 0 {
		parts = append(parts, m.spinner.View())
	}
	return strings.Join(parts, "  ")
}

func (m model) footer() string {
	status := m.statusMessage
	if status == "" {
		status = "Updated " + utils.FormatAge(&m.lastUpdate, m.now())
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		subtleStyle.Render(status),
		subtleStyle.Render("↑/↓ select • enter details • r refresh • R refresh all • a add • e rename • d remove • P privacy • ? help • q quit"),
	)
}

func (m model) viewList() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")

	if len(m.wallets) == 0 {
		b.WriteString(subtleStyle.Render("No wallets tracked yet. Press 'a' to add one."))
		b.WriteString("\n\n")
		b.WriteString(m.footer())
		return b.String()
	}

	b.WriteString(tableHeaderStyle.Render(fmt.Sprintf("%-20s %-9s %14s %7s  %-16s %s", "Name", "Network", "Value", "Tokens", "Updated", "State")))
	b.WriteString("\n")

	now := m.now()
	for i, w := range m.wallets {
		state := walletState(w, m.statuses[w.ID], now, m.staleAfter)
		line := fmt.Sprintf("%-20s %-9s %14s %7d  %-16s ",
			utils.TruncateString(m.maskString(w.Label()), 20),
			w.Network,
			m.displayUSD(w.TotalValueUSD),
			len(w.Tokens),
			utils.FormatAge(w.LastUpdated, now),
		)
		line += stateStyle(state).Render(string(state))
		if i == m.activeIdx {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.footer())
	return b.String()
}

func (m model) viewDetail() string {
	w, _ := m.selected()
	title := titleStyle.Render(fmt.Sprintf("%s (%s)", m.maskString(w.Label()), w.Network))
	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		m.viewport.View(),
		"",
		subtleStyle.Render("↑/↓ scroll • P privacy • esc back"),
	)
}

func (m model) viewAdd() string {
	labels := []string{"Address", "Network", "Name"}
	var inputs []string
	for i, label := range labels {
		inputs = append(inputs, fmt.Sprintf("%-10s %s", label, m.addInputs[i].View()))
	}

	nets := make([]string, 0, len(m.svc.SupportedNetworks()))
	for _, n := range m.svc.SupportedNetworks() {
		nets = append(nets, string(n))
	}

	return m.centered(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Add Wallet"),
		"",
		strings.Join(inputs, "\n"),
		"",
		subtleStyle.Render("Networks: "+strings.Join(nets, ", ")),
		subtleStyle.Render("Enter to next/save • Tab to switch • Esc to cancel"),
	)))
}

func (m model) viewHelp() string {
	keys := [][2]string{
		{"↑/k ↓/j", "select wallet"},
		{"enter", "show wallet details"},
		{"r", "refresh selected wallet"},
		{"R", "refresh all wallets"},
		{"a", "add a wallet"},
		{"e", "rename selected wallet"},
		{"d", "remove selected wallet"},
		{"P", "toggle privacy mode"},
		{"?", "toggle help"},
		{"q", "quit"},
	}
	var rows []string
	for _, k := range keys {
		rows = append(rows, fmt.Sprintf("%-10s %s", infoStyle.Render(k[0]), k[1]))
	}
	legend := []string{
		stateStyle(syncOK).Render("ok") + "       last refresh succeeded",
		stateStyle(syncStale).Render("stale") + "    balances older than the refresh window",
		stateStyle(syncPending).Render("pending") + "  never refreshed successfully",
		stateStyle(syncFailed).Render("failed") + "   last refresh attempt failed",
	}
	return m.centered(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Help"),
		"",
		strings.Join(rows, "\n"),
		"",
		strings.Join(legend, "\n"),
		"",
		subtleStyle.Render("esc to close"),
	)))
}
