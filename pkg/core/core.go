// Package core tracks wallets across chains: it owns the add, remove,
// rename and refresh flows and keeps per-wallet sync status.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"walletsync/pkg/chain"
	"walletsync/pkg/cipher"
	"walletsync/pkg/models"
	"walletsync/pkg/price"
	"walletsync/pkg/store"
	"walletsync/pkg/watcher"

	"go.uber.org/zap"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 4
)

type Options struct {
	MaxWallets        int
	SupportedNetworks []models.Network
	FetchTimeout      time.Duration
	PriceTimeout      time.Duration
	Concurrency       int
	// Now defaults to time.Now.
	Now func() time.Time
}

type Core struct {
	store   *store.Store
	cipher  cipher.AddressCipher
	indexer cipher.Indexer
	chains  *chain.Registry
	oracle  price.Oracle
	bus     *watcher.Bus
	opts    Options
	log     *zap.Logger

	locks        *keyedMutex
	refreshAllMu sync.Mutex

	statusMu sync.RWMutex
	statuses map[string]models.SyncStatus
}

// New wires the core. bus may be nil, in which case a private one is created.
func New(
	st *store.Store,
	c cipher.AddressCipher,
	idx cipher.Indexer,
	chains *chain.Registry,
	oracle price.Oracle,
	opts Options,
	bus *watcher.Bus,
	log *zap.Logger,
) *Core {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultTimeout
	}
	if opts.PriceTimeout <= 0 {
		opts.PriceTimeout = defaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if bus == nil {
		bus = watcher.NewBus()
	}
	return &Core{
		store:    st,
		cipher:   c,
		indexer:  idx,
		chains:   chains,
		oracle:   oracle,
		bus:      bus,
		opts:     opts,
		log:      log.Named("core"),
		locks:    newKeyedMutex(),
		statuses: make(map[string]models.SyncStatus),
	}
}

// AddWallet starts tracking address on network. The first balance fetch
// runs before the record is stored; if it fails the wallet is still added
// with no tokens and the fetch error is returned alongside the record.
func (c *Core) AddWallet(ctx context.Context, address string, network models.Network) (models.WalletRecord, error) {
	network = models.Network(strings.ToLower(strings.TrimSpace(string(network))))
	if !c.supports(network) {
		return models.WalletRecord{}, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
	adapter, ok := c.chains.Get(network)
	if !ok {
		return models.WalletRecord{}, fmt.Errorf("%w: no adapter for %q", ErrUnsupportedNetwork, network)
	}

	address = strings.TrimSpace(address)
	if err := adapter.ValidateAddress(address); err != nil {
		return models.WalletRecord{}, err
	}
	canonical := adapter.Canonical(address)

	id := c.walletID(network, canonical)
	if _, exists := c.store.Get(id); exists {
		return models.WalletRecord{}, ErrAlreadyTracked
	}
	if c.opts.MaxWallets > 0 && c.store.Len() >= c.opts.MaxWallets {
		return models.WalletRecord{}, fmt.Errorf("%w: %d of %d", ErrCapacityExceeded, c.store.Len(), c.opts.MaxWallets)
	}

	encrypted, err := c.cipher.Encrypt(canonical)
	if err != nil {
		return models.WalletRecord{}, fmt.Errorf("failed to encrypt address: %w", err)
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	now := c.opts.Now()
	rec := models.WalletRecord{
		ID:        id,
		Address:   encrypted,
		Network:   network,
		Tokens:    []models.TokenBalance{},
		CreatedAt: now,
	}

	log := c.log.With(zap.String("wallet_id", id), zap.String("network", string(network)))
	start := time.Now()
	val, fetchErr := c.valuate(ctx, adapter, canonical, nil)
	observeRefresh(network, start, fetchErr)
	if fetchErr == nil {
		rec.Tokens = val.tokens
		rec.TotalValueUSD = val.total
		rec.LastUpdated = &now
	}

	if err := c.store.Insert(ctx, rec, c.opts.MaxWallets); err != nil {
		switch {
		case errors.Is(err, store.ErrExists):
			return models.WalletRecord{}, ErrAlreadyTracked
		case errors.Is(err, store.ErrFull):
			return models.WalletRecord{}, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, c.opts.MaxWallets)
		}
		return models.WalletRecord{}, err
	}

	c.setStatus(id, now, fetchErr, val.warning)
	c.bus.Publish(watcher.Event{Type: watcher.EventWalletAdded, WalletID: id, Data: rec.Clone()})
	if fetchErr != nil {
		log.Warn("wallet added without balances", zap.Error(fetchErr))
		return rec, fetchErr
	}
	log.Info("wallet added", zap.Int("tokens", len(rec.Tokens)))
	return rec, nil
}

// RemoveWallet stops tracking the wallet. Removing an unknown wallet is not
// an error and reports false.
func (c *Core) RemoveWallet(ctx context.Context, ref string) (bool, error) {
	id, ok := c.resolve(ref)
	if !ok {
		return false, nil
	}
	removed, err := c.store.Delete(ctx, id)
	if err != nil || !removed {
		return false, err
	}

	c.statusMu.Lock()
	delete(c.statuses, id)
	c.statusMu.Unlock()

	c.bus.Publish(watcher.Event{Type: watcher.EventWalletRemoved, WalletID: id})
	c.log.Info("wallet removed", zap.String("wallet_id", id))
	return true, nil
}

// RenameWallet sets the display name. An empty name clears it.
func (c *Core) RenameWallet(ctx context.Context, ref, name string) error {
	id, ok := c.resolve(ref)
	if !ok {
		return ErrNotFound
	}
	name = strings.TrimSpace(name)
	_, err := c.store.Update(ctx, id, func(r *models.WalletRecord) error {
		r.DisplayName = name
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	c.bus.Publish(watcher.Event{Type: watcher.EventWalletRenamed, WalletID: id, Data: name})
	return nil
}

func (c *Core) GetWallet(ref string) (models.WalletRecord, error) {
	id, ok := c.resolve(ref)
	if !ok {
		return models.WalletRecord{}, ErrNotFound
	}
	rec, ok := c.store.Get(id)
	if !ok {
		return models.WalletRecord{}, ErrNotFound
	}
	return rec, nil
}

func (c *Core) ListWallets() []models.WalletRecord {
	return c.store.List()
}

// Status returns the outcome of the wallet's latest refresh attempt.
func (c *Core) Status(ref string) (models.SyncStatus, error) {
	id, ok := c.resolve(ref)
	if !ok {
		return models.SyncStatus{}, ErrNotFound
	}
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.statuses[id], nil
}

// Statuses returns a copy of every known sync status keyed by wallet id.
func (c *Core) Statuses() map[string]models.SyncStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	out := make(map[string]models.SyncStatus, len(c.statuses))
	for k, v := range c.statuses {
		out[k] = v
	}
	return out
}

func (c *Core) Subscribe() watcher.Subscriber {
	return c.bus.Subscribe()
}

func (c *Core) Unsubscribe(sub watcher.Subscriber) {
	c.bus.Unsubscribe(sub)
}

func (c *Core) Bus() *watcher.Bus {
	return c.bus
}

func (c *Core) SupportedNetworks() []models.Network {
	out := make([]models.Network, len(c.opts.SupportedNetworks))
	copy(out, c.opts.SupportedNetworks)
	return out
}

func (c *Core) MaxWallets() int {
	return c.opts.MaxWallets
}

func (c *Core) supports(n models.Network) bool {
	for _, s := range c.opts.SupportedNetworks {
		if s == n {
			return true
		}
	}
	return false
}

// walletID keys the store without the plaintext address. The network is
// part of the input because one hex address can be valid on several chains.
func (c *Core) walletID(n models.Network, canonical string) string {
	return c.indexer.Fingerprint(string(n) + ":" + canonical)
}

// resolve accepts a wallet id or a plaintext address.
func (c *Core) resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if _, ok := c.store.Get(ref); ok {
		return ref, true
	}
	for _, n := range c.opts.SupportedNetworks {
		adapter, ok := c.chains.Get(n)
		if !ok || adapter.ValidateAddress(ref) != nil {
			continue
		}
		id := c.walletID(n, adapter.Canonical(ref))
		if _, ok := c.store.Get(id); ok {
			return id, true
		}
	}
	return "", false
}

func (c *Core) setStatus(id string, at time.Time, err error, warning string) {
	st := models.SyncStatus{LastAttempt: at, PriceWarning: warning}
	if err != nil {
		st.LastError = err.Error()
	}
	c.statusMu.Lock()
	c.statuses[id] = st
	c.statusMu.Unlock()
}
