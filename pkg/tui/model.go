package tui

import (
	"context"
	"time"

	"walletsync/pkg/models"
	"walletsync/pkg/watcher"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Version is set by Start()
var Version = "dev"

// Service is the subset of the wallet core the dashboard drives.
type Service interface {
	AddWallet(ctx context.Context, address string, network models.Network) (models.WalletRecord, error)
	RemoveWallet(ctx context.Context, ref string) (bool, error)
	RenameWallet(ctx context.Context, ref, name string) error
	ListWallets() []models.WalletRecord
	Statuses() map[string]models.SyncStatus
	RefreshOne(ctx context.Context, ref string) (models.WalletRecord, error)
	RefreshAll(ctx context.Context) models.RefreshReport
	Subscribe() watcher.Subscriber
	Unsubscribe(sub watcher.Subscriber)
	SupportedNetworks() []models.Network
	MaxWallets() int
}

// --- Messages ---

type clearStatusMsg struct{}
type uiTickMsg time.Time

type walletAddedMsg struct {
	rec models.WalletRecord
	err error
}

type walletRemovedMsg struct {
	removed bool
	err     error
}

type walletRenamedMsg struct{ err error }

type refreshDoneMsg struct {
	id  string
	err error
}

type refreshAllDoneMsg struct{ report models.RefreshReport }

type mode int

const (
	modeList mode = iota
	modeDetail
	modeAdding
	modeRenaming
	modeConfirmRemove
	modeHelp
)

// Add form fields.
const (
	inputAddress = iota
	inputNetwork
	inputName
)

// --- Model ---

type model struct {
	svc Service
	sub watcher.Subscriber

	wallets  []models.WalletRecord
	statuses map[string]models.SyncStatus

	activeIdx     int
	width         int
	height        int
	mode          mode
	refreshing    int
	spinner       spinner.Model
	statusMessage string
	lastUpdate    time.Time
	privacyMode   bool
	staleAfter    time.Duration
	now           func() time.Time

	addInputs   []textinput.Model
	focusIdx    int
	renameInput textinput.Model
	viewport    viewport.Model
}

// staleAfter marks a wallet stale when its last success is older than that.
func initialModel(svc Service, staleAfter time.Duration) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ais := make([]textinput.Model, 3)
	for i := range ais {
		ais[i] = textinput.New()
		ais[i].Width = 66
		ais[i].CharLimit = 128
	}
	ais[inputAddress].Placeholder = "Address (0x... or base58)"
	ais[inputNetwork].Placeholder = "Network (ethereum, solana, sui)"
	ais[inputName].Placeholder = "Name (optional)"

	ri := textinput.New()
	ri.Placeholder = "Name"
	ri.Width = 40
	ri.CharLimit = 64

	m := model{
		svc:         svc,
		spinner:     s,
		addInputs:   ais,
		renameInput: ri,
		viewport:    viewport.New(0, 0),
		staleAfter:  staleAfter,
		now:         time.Now,
		statuses:    map[string]models.SyncStatus{},
	}
	m.reload()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		listenForEvents(m.sub),
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return uiTickMsg(t) }),
	)
}

// reload pulls the current records and statuses from the core and keeps the
// selection in range.
func (m *model) reload() {
	m.wallets = m.svc.ListWallets()
	m.statuses = m.svc.Statuses()
	if m.activeIdx >= len(m.wallets) {
		m.activeIdx = len(m.wallets) - 1
	}
	if m.activeIdx < 0 {
		m.activeIdx = 0
	}
	m.lastUpdate = m.now()
}

func (m model) selected() (models.WalletRecord, bool) {
	if len(m.wallets) == 0 || m.activeIdx >= len(m.wallets) {
		return models.WalletRecord{}, false
	}
	return m.wallets[m.activeIdx], true
}

func listenForEvents(sub watcher.Subscriber) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return ev
	}
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return clearStatusMsg{} })
}
