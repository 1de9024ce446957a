package models

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Network identifies the chain a wallet lives on.
type Network string

const (
	NetworkEthereum Network = "ethereum"
	NetworkSolana   Network = "solana"
	NetworkSui      Network = "sui"
)

// KnownNetworks lists every network an adapter exists for.
var KnownNetworks = []Network{NetworkEthereum, NetworkSolana, NetworkSui}

// TokenBalance holds one asset held by a wallet.
type TokenBalance struct {
	Symbol           string  `json:"symbol"`
	DisplayName      string  `json:"display_name"`
	Balance          string  `json:"balance"`
	PriceUSD         float64 `json:"price_usd"`
	Change24hPercent float64 `json:"change_24h_percent"`
	ValueUSD         float64 `json:"value_usd"`
}

// WalletRecord is the tracked unit of state for one address on one chain.
// Address always holds the encrypted form.
type WalletRecord struct {
	ID            string         `json:"id"`
	Address       string         `json:"address"`
	Network       Network        `json:"network"`
	DisplayName   string         `json:"display_name,omitempty"`
	Tokens        []TokenBalance `json:"tokens"`
	TotalValueUSD float64        `json:"total_value_usd"`
	LastUpdated   *time.Time     `json:"last_updated,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Clone returns a deep copy so callers never share token slices with the store.
func (r WalletRecord) Clone() WalletRecord {
	out := r
	if r.Tokens != nil {
		out.Tokens = make([]TokenBalance, len(r.Tokens))
		copy(out.Tokens, r.Tokens)
	}
	if r.LastUpdated != nil {
		t := *r.LastUpdated
		out.LastUpdated = &t
	}
	return out
}

// Label returns the display name, or a shortened id when unnamed.
func (r WalletRecord) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	if len(r.ID) > 10 {
		return r.ID[:10]
	}
	return r.ID
}

// RawBalance is what a chain adapter reports, already in human units.
type RawBalance struct {
	Symbol      string
	DisplayName string
	Balance     string
}

// Quote is a USD price for one symbol.
type Quote struct {
	Symbol           string  `json:"symbol"`
	PriceUSD         float64 `json:"price_usd"`
	Change24hPercent float64 `json:"change_24h_percent"`
}

// SyncStatus tracks the outcome of the latest refresh attempt for a wallet.
// It lives in memory next to the record and never alters it.
type SyncStatus struct {
	LastAttempt  time.Time `json:"last_attempt"`
	LastError    string    `json:"last_error,omitempty"`
	PriceWarning string    `json:"price_warning,omitempty"`
}

// Failed reports whether the last attempt failed.
func (s SyncStatus) Failed() bool {
	return s.LastError != ""
}

// WalletFailure is one wallet's failure within a refresh run.
type WalletFailure struct {
	WalletID string  `json:"wallet_id"`
	Network  Network `json:"network"`
	Err      error   `json:"-"`
	Message  string  `json:"error"`
}

// RefreshReport summarizes one RefreshAll run.
type RefreshReport struct {
	RunID     string          `json:"run_id"`
	Started   time.Time       `json:"started"`
	Finished  time.Time       `json:"finished"`
	Attempted int             `json:"attempted"`
	Refreshed int             `json:"refreshed"`
	Failures  []WalletFailure `json:"failures,omitempty"`
}

// Err combines every per-wallet failure, or nil when the run was clean.
func (r RefreshReport) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, fmt.Errorf("wallet %s (%s): %w", f.WalletID, f.Network, f.Err))
	}
	return err
}

// ChainResult holds probe results for one chain adapter.
type ChainResult struct {
	Network    Network `json:"network"`
	Status     string  `json:"status"` // "ok" or "error"
	Identifier string  `json:"identifier,omitempty"`
	Latency    string  `json:"latency,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// TestReport holds the results of the configuration check.
type TestReport struct {
	ConfigPath      string        `json:"config_path"`
	ValidStructure  bool          `json:"valid_structure"`
	StructureErrors []string      `json:"structure_errors,omitempty"`
	WalletCount     int           `json:"wallet_count"`
	MaxWallets      int           `json:"max_wallets"`
	Chains          []ChainResult `json:"chains,omitempty"`
	StorageDriver   string        `json:"storage_driver"`
	StorageError    string        `json:"storage_error,omitempty"`
}
