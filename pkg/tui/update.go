package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"walletsync/pkg/core"
	"walletsync/pkg/models"
	"walletsync/pkg/watcher"

	tea "github.com/charmbracelet/bubbletea"
)

const actionTimeout = time.Minute

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - 8
		if m.mode == modeDetail {
			m.updateDetailViewport()
		}

	case watcher.Event:
		cmds = append(cmds, listenForEvents(m.sub))
		m.reload()
		if msg.Type == watcher.EventSyncCompleted {
			if report, ok := msg.Data.(models.RefreshReport); ok && len(report.Failures) > 0 {
				m.statusMessage = fmt.Sprintf("Sync finished: %d of %d failed", len(report.Failures), report.Attempted)
				cmds = append(cmds, clearStatusAfter(3*time.Second))
			}
		}
		if m.mode == modeDetail {
			m.updateDetailViewport()
		}

	case walletAddedMsg:
		m.reload()
		switch {
		case msg.err != nil && msg.rec.ID == "":
			m.statusMessage = "Add failed: " + msg.err.Error()
		case msg.err != nil:
			m.statusMessage = "Added, but first fetch failed: " + msg.err.Error()
		default:
			m.statusMessage = "Wallet added"
		}
		for i, w := range m.wallets {
			if w.ID == msg.rec.ID {
				m.activeIdx = i
			}
		}
		cmds = append(cmds, clearStatusAfter(3*time.Second))

	case walletRemovedMsg:
		m.reload()
		switch {
		case msg.err != nil:
			m.statusMessage = "Remove failed: " + msg.err.Error()
		case msg.removed:
			m.statusMessage = "Wallet removed"
		default:
			m.statusMessage = "Wallet was already gone"
		}
		cmds = append(cmds, clearStatusAfter(2*time.Second))

	case walletRenamedMsg:
		m.reload()
		if msg.err != nil {
			m.statusMessage = "Rename failed: " + msg.err.Error()
		} else {
			m.statusMessage = "Wallet renamed"
		}
		cmds = append(cmds, clearStatusAfter(2*time.Second))

	case refreshDoneMsg:
		m.refreshing--
		m.reload()
		if msg.err != nil && !errors.Is(msg.err, core.ErrNotFound) {
			m.statusMessage = "Refresh failed: " + msg.err.Error()
		} else {
			m.statusMessage = "Refreshed"
		}
		cmds = append(cmds, clearStatusAfter(2*time.Second))

	case refreshAllDoneMsg:
		m.refreshing--
		m.reload()
		m.statusMessage = fmt.Sprintf("Refreshed %d of %d wallets", msg.report.Refreshed, msg.report.Attempted)
		cmds = append(cmds, clearStatusAfter(2*time.Second))

	case tea.KeyMsg:
		return m.handleKey(msg)

	case uiTickMsg:
		cmds = append(cmds, tea.Tick(time.Second, func(t time.Time) tea.Msg { return uiTickMsg(t) }))

	case clearStatusMsg:
		m.statusMessage = ""
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.mode {
	case modeAdding:
		return m.updateAdding(msg)
	case modeRenaming:
		return m.updateRenaming(msg)
	case modeConfirmRemove:
		return m.updateConfirmRemove(msg)
	case modeHelp:
		switch msg.String() {
		case "q", "esc", "?":
			m.mode = modeList
		}
		return m, nil
	case modeDetail:
		switch msg.String() {
		case "q", "esc", "backspace", "enter":
			m.mode = modeList
			return m, nil
		case "P":
			m.privacyMode = !m.privacyMode
			m.updateDetailViewport()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "?":
		m.mode = modeHelp
	case "P":
		m.privacyMode = !m.privacyMode
	case "up", "k", "shift+tab":
		if len(m.wallets) > 0 {
			m.activeIdx--
			if m.activeIdx < 0 {
				m.activeIdx = len(m.wallets) - 1
			}
		}
	case "down", "j", "tab":
		if len(m.wallets) > 0 {
			m.activeIdx = (m.activeIdx + 1) % len(m.wallets)
		}
	case "enter":
		if _, ok := m.selected(); ok {
			m.mode = modeDetail
			m.updateDetailViewport()
			m.viewport.YOffset = 0
		}
	case "r":
		if w, ok := m.selected(); ok {
			m.refreshing++
			m.statusMessage = "Refreshing " + m.maskString(w.Label()) + "..."
			return m, tea.Batch(m.refreshOneCmd(w.ID), m.spinner.Tick)
		}
	case "R":
		m.refreshing++
		m.statusMessage = "Refreshing all wallets..."
		return m, tea.Batch(m.refreshAllCmd(), m.spinner.Tick)
	case "a":
		if limit := m.svc.MaxWallets(); limit > 0 && len(m.wallets) >= limit {
			m.statusMessage = fmt.Sprintf("Wallet limit reached (%d)", limit)
			return m, clearStatusAfter(2 * time.Second)
		}
		m.mode = modeAdding
		m.focusIdx = inputAddress
		for i := range m.addInputs {
			m.addInputs[i].SetValue("")
			m.addInputs[i].Blur()
		}
		if nets := m.svc.SupportedNetworks(); len(nets) == 1 {
			m.addInputs[inputNetwork].SetValue(string(nets[0]))
		}
		return m, m.addInputs[inputAddress].Focus()
	case "e":
		if w, ok := m.selected(); ok {
			m.mode = modeRenaming
			m.renameInput.SetValue(w.DisplayName)
			return m, m.renameInput.Focus()
		}
	case "d", "delete":
		if _, ok := m.selected(); ok {
			m.mode = modeConfirmRemove
		}
	}
	return m, nil
}

func (m model) updateAdding(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeList
		return m, nil
	case "tab", "down":
		return m, m.focusInput((m.focusIdx + 1) % len(m.addInputs))
	case "shift+tab", "up":
		return m, m.focusInput((m.focusIdx + len(m.addInputs) - 1) % len(m.addInputs))
	case "enter":
		if m.focusIdx < len(m.addInputs)-1 {
			return m, m.focusInput(m.focusIdx + 1)
		}
		address := strings.TrimSpace(m.addInputs[inputAddress].Value())
		network := models.Network(strings.ToLower(strings.TrimSpace(m.addInputs[inputNetwork].Value())))
		name := strings.TrimSpace(m.addInputs[inputName].Value())
		if address == "" || network == "" {
			m.statusMessage = "Address and network are required"
			return m, clearStatusAfter(2 * time.Second)
		}
		m.mode = modeList
		m.statusMessage = "Adding wallet..."
		return m, m.addCmd(address, network, name)
	}

	var cmd tea.Cmd
	m.addInputs[m.focusIdx], cmd = m.addInputs[m.focusIdx].Update(msg)
	return m, cmd
}

func (m *model) focusInput(idx int) tea.Cmd {
	m.addInputs[m.focusIdx].Blur()
	m.focusIdx = idx
	return m.addInputs[idx].Focus()
}

func (m model) updateRenaming(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeList
		return m, nil
	case "enter":
		m.mode = modeList
		if w, ok := m.selected(); ok {
			return m, m.renameCmd(w.ID, m.renameInput.Value())
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.renameInput, cmd = m.renameInput.Update(msg)
	return m, cmd
}

func (m model) updateConfirmRemove(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.mode = modeList
		if w, ok := m.selected(); ok {
			return m, m.removeCmd(w.ID)
		}
	case "n", "N", "esc", "q":
		m.mode = modeList
	}
	return m, nil
}

// --- Commands ---

func (m model) addCmd(address string, network models.Network, name string) tea.Cmd {
	svc := m.svc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		rec, err := svc.AddWallet(ctx, address, network)
		if rec.ID != "" && name != "" {
			if rerr := svc.RenameWallet(ctx, rec.ID, name); rerr != nil && err == nil {
				err = rerr
			}
		}
		return walletAddedMsg{rec: rec, err: err}
	}
}

func (m model) removeCmd(id string) tea.Cmd {
	svc := m.svc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		removed, err := svc.RemoveWallet(ctx, id)
		return walletRemovedMsg{removed: removed, err: err}
	}
}

func (m model) renameCmd(id, name string) tea.Cmd {
	svc := m.svc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return walletRenamedMsg{err: svc.RenameWallet(ctx, id, name)}
	}
}

func (m model) refreshOneCmd(id string) tea.Cmd {
	svc := m.svc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		_, err := svc.RefreshOne(ctx, id)
		return refreshDoneMsg{id: id, err: err}
	}
}

func (m model) refreshAllCmd() tea.Cmd {
	svc := m.svc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return refreshAllDoneMsg{report: svc.RefreshAll(ctx)}
	}
}
