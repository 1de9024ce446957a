package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"walletsync/pkg/models"
	"walletsync/pkg/utils"

	"github.com/charmbracelet/lipgloss"
)

type syncState string

const (
	syncOK      syncState = "ok"
	syncFailed  syncState = "failed"
	syncStale   syncState = "stale"
	syncPending syncState = "pending"
)

func portfolioTotal(wallets []models.WalletRecord) float64 {
	total := 0.0
	for _, w := range wallets {
		total += w.TotalValueUSD
	}
	return total
}

// isStale reports whether the wallet's last successful refresh is older than
// staleAfter. A wallet that never refreshed is always stale.
func isStale(rec models.WalletRecord, now time.Time, staleAfter time.Duration) bool {
	if rec.LastUpdated == nil {
		return true
	}
	if staleAfter <= 0 {
		return false
	}
	return now.Sub(*rec.LastUpdated) > staleAfter
}

// walletState picks the marker shown next to a wallet. A failed last attempt
// wins over staleness.
func walletState(rec models.WalletRecord, st models.SyncStatus, now time.Time, staleAfter time.Duration) syncState {
	switch {
	case st.Failed():
		return syncFailed
	case rec.LastUpdated == nil:
		return syncPending
	case isStale(rec, now, staleAfter):
		return syncStale
	default:
		return syncOK
	}
}

// sortedTokens orders tokens by USD value, largest first, then by symbol.
func sortedTokens(tokens []models.TokenBalance) []models.TokenBalance {
	out := make([]models.TokenBalance, len(tokens))
	copy(out, tokens)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ValueUSD != out[j].ValueUSD {
			return out[i].ValueUSD > out[j].ValueUSD
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (m model) maskString(s string) string {
	if m.privacyMode {
		return utils.PrivacyMask
	}
	return s
}

func (m model) displayUSD(f float64) string {
	return m.maskString(utils.FormatUSD(f))
}

func (m model) displayBalance(balance string) string {
	return m.maskString(utils.FormatBalance(balance, 6))
}

func (m *model) updateDetailViewport() {
	w, ok := m.selected()
	if !ok {
		m.viewport.SetContent("No wallet selected.")
		return
	}
	st := m.statuses[w.ID]
	now := m.now()

	rows := []string{
		fmt.Sprintf("%-14s %s", "Wallet ID", w.ID),
		fmt.Sprintf("%-14s %s", "Network", w.Network),
		fmt.Sprintf("%-14s %s", "Added", w.CreatedAt.Local().Format(time.RFC822)),
		fmt.Sprintf("%-14s %s", "Last updated", utils.FormatAge(w.LastUpdated, now)),
		fmt.Sprintf("%-14s %s", "Status", walletState(w, st, now, m.staleAfter)),
	}
	if st.LastError != "" {
		rows = append(rows, errStyle.Render("Last error: "+st.LastError))
	}
	if st.PriceWarning != "" {
		rows = append(rows, warnStyle.Render("Prices: "+st.PriceWarning))
	}

	var tokenRows []string
	for _, t := range sortedTokens(w.Tokens) {
		tokenRows = append(tokenRows, fmt.Sprintf("  %-8s %18s  %12s  %12s  %s",
			t.Symbol,
			m.displayBalance(t.Balance),
			m.maskString(utils.FormatUSD(t.PriceUSD)),
			m.displayUSD(t.ValueUSD),
			changeStyle(t.Change24hPercent).Render(utils.FormatChange(t.Change24hPercent)),
		))
	}
	tokens := "No balances found."
	if len(tokenRows) > 0 {
		header := tableHeaderStyle.Render(fmt.Sprintf("%-8s %18s  %12s  %12s  %s", "Token", "Balance", "Price", "Value", "24h"))
		tokens = lipgloss.JoinVertical(lipgloss.Left, header, strings.Join(tokenRows, "\n"))
	}

	m.viewport.SetContent(lipgloss.JoinVertical(lipgloss.Left,
		strings.Join(rows, "\n"),
		"",
		subtleStyle.Render(fmt.Sprintf("Total: %s", m.displayUSD(w.TotalValueUSD))),
		tokens,
	))
}
