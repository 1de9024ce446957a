package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"walletsync/pkg/chain"
	"walletsync/pkg/cipher"
	"walletsync/pkg/config"
	"walletsync/pkg/models"
	"walletsync/pkg/price"
	"walletsync/pkg/store"
	"walletsync/pkg/watcher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	ethAddr  = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	ethAddr2 = "0x00000000219ab540356cbb839cbe05303d7705fa"
)

// fakeAdapter answers FetchBalances through fn and counts calls.
type fakeAdapter struct {
	network models.Network
	fn      func(ctx context.Context, address string) ([]models.RawBalance, error)
	calls   atomic.Int32
}

func (f *fakeAdapter) Network() models.Network { return f.network }

func (f *fakeAdapter) ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || len(address) < 4 {
		return fmt.Errorf("%w: bad address", chain.ErrInvalidAddress)
	}
	return nil
}

func (f *fakeAdapter) Canonical(address string) string { return strings.ToLower(address) }

func (f *fakeAdapter) FetchBalances(ctx context.Context, address string) ([]models.RawBalance, error) {
	f.calls.Add(1)
	return f.fn(ctx, address)
}

func (f *fakeAdapter) Probe(context.Context) (string, error) { return "1", nil }

func fixedBalances(balances ...models.RawBalance) func(context.Context, string) ([]models.RawBalance, error) {
	return func(context.Context, string) ([]models.RawBalance, error) {
		return balances, nil
	}
}

type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) GetPrices(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	args := m.Called(ctx, symbols)
	return args.Get(0).(map[string]models.Quote), args.Error(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	core    *Core
	store   *store.Store
	backend *store.Memory
	eth     *fakeAdapter
	cipher  *cipher.Cipher
	clock   *fakeClock
}

func newFixture(t *testing.T, oracle price.Oracle, opts Options, seed ...models.WalletRecord) *fixture {
	t.Helper()
	key := make([]byte, cipher.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := cipher.New(key)
	require.NoError(t, err)

	backend := store.NewMemory(seed...)
	st := store.New(backend, zap.NewNop())
	require.NoError(t, st.Load(context.Background()))

	eth := &fakeAdapter{
		network: models.NetworkEthereum,
		fn:      fixedBalances(models.RawBalance{Symbol: "ETH", DisplayName: "Ether", Balance: "2.0"}),
	}
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	if opts.SupportedNetworks == nil {
		opts.SupportedNetworks = []models.Network{models.NetworkEthereum}
	}
	if opts.MaxWallets == 0 {
		opts.MaxWallets = 10
	}
	opts.Now = clock.Now
	if oracle == nil {
		oracle = price.Static{"ETH": {Symbol: "ETH", PriceUSD: 3000, Change24hPercent: 1.5}}
	}

	core := New(st, c, c, chain.NewRegistry(eth), oracle, opts, nil, zap.NewNop())
	return &fixture{core: core, store: st, backend: backend, eth: eth, cipher: c, clock: clock}
}

func TestAddWallet_ValuesTokens(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	require.Len(t, rec.Tokens, 1)
	assert.Equal(t, "ETH", rec.Tokens[0].Symbol)
	assert.Equal(t, "2.0", rec.Tokens[0].Balance)
	assert.InDelta(t, 6000.0, rec.Tokens[0].ValueUSD, 1e-9)
	assert.InDelta(t, 6000.0, rec.TotalValueUSD, 1e-9)
	assert.Equal(t, 1.5, rec.Tokens[0].Change24hPercent)
	require.NotNil(t, rec.LastUpdated)
	assert.Equal(t, f.clock.Now(), *rec.LastUpdated)
	assert.Equal(t, f.clock.Now(), rec.CreatedAt)

	// The stored address is ciphertext that decrypts to the canonical form.
	stored, ok := f.store.Get(rec.ID)
	require.True(t, ok)
	assert.NotContains(t, stored.Address, ethAddr)
	plain, err := f.cipher.Decrypt(stored.Address)
	require.NoError(t, err)
	assert.Equal(t, ethAddr, plain)
}

func TestAddWallet_Rejections(t *testing.T) {
	f := newFixture(t, nil, Options{})

	_, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkSolana)
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)

	_, err = f.core.AddWallet(context.Background(), ethAddr, "dogecoin")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)

	_, err = f.core.AddWallet(context.Background(), "nope", models.NetworkEthereum)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)

	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, int32(0), f.eth.calls.Load())
}

func TestAddWallet_Duplicate(t *testing.T) {
	f := newFixture(t, nil, Options{})

	_, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	_, err = f.core.AddWallet(context.Background(), "0x"+strings.ToUpper(ethAddr[2:]), models.NetworkEthereum)
	assert.ErrorIs(t, err, ErrAlreadyTracked)
	assert.Equal(t, 1, f.store.Len())
}

func TestAddWallet_EquivalentSpellingsShareID(t *testing.T) {
	key := make([]byte, cipher.KeySize)
	c, err := cipher.New(key)
	require.NoError(t, err)

	tests := []struct {
		name    string
		network models.Network
		adapter chain.Adapter
		first   string
		second  string
	}{
		{
			name:    "ethereum without 0x prefix",
			network: models.NetworkEthereum,
			adapter: chain.NewEthereum(config.Ethereum{}, zap.NewNop()),
			first:   "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
			second:  "742d35cc6634c0532925a3b844bc454e4438f44e",
		},
		{
			name:    "sui short form",
			network: models.NetworkSui,
			adapter: chain.NewSui(config.Sui{}, zap.NewNop()),
			first:   "0x2",
			second:  "0x" + strings.Repeat("0", 63) + "2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.New(store.NewMemory(), zap.NewNop())
			require.NoError(t, st.Load(context.Background()))
			opts := Options{MaxWallets: 10, SupportedNetworks: []models.Network{tt.network}}
			core := New(st, c, c, chain.NewRegistry(tt.adapter), price.Static{}, opts, nil, zap.NewNop())

			// No RPC URLs, so the first fetch fails but the wallet is still tracked.
			rec, err := core.AddWallet(context.Background(), tt.first, tt.network)
			require.ErrorIs(t, err, chain.ErrNetworkUnavailable)
			require.NotEmpty(t, rec.ID)

			_, err = core.AddWallet(context.Background(), tt.second, tt.network)
			assert.ErrorIs(t, err, ErrAlreadyTracked)
			assert.Equal(t, 1, st.Len())

			got, err := core.GetWallet(tt.second)
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
		})
	}
}

func TestAddWallet_Capacity(t *testing.T) {
	f := newFixture(t, nil, Options{MaxWallets: 1})

	_, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	_, err = f.core.AddWallet(context.Background(), ethAddr2, models.NetworkEthereum)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, f.store.Len())
}

func TestAddWallet_ConcurrentCapacityIsAtomic(t *testing.T) {
	f := newFixture(t, nil, Options{MaxWallets: 3})

	var wg sync.WaitGroup
	var okCount, fullCount atomic.Int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.core.AddWallet(context.Background(), fmt.Sprintf("0x%040x", i+1), models.NetworkEthereum)
			switch {
			case err == nil:
				okCount.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				fullCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), okCount.Load())
	assert.Equal(t, int32(9), fullCount.Load())
	assert.Equal(t, 3, f.store.Len())
}

func TestAddWallet_FetchFailureStillAdds(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.eth.fn = func(context.Context, string) ([]models.RawBalance, error) {
		return nil, fmt.Errorf("down: %w", chain.ErrNetworkUnavailable)
	}

	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	assert.ErrorIs(t, err, chain.ErrNetworkUnavailable)
	require.NotEmpty(t, rec.ID)
	assert.Empty(t, rec.Tokens)
	assert.Nil(t, rec.LastUpdated)

	stored, ok := f.store.Get(rec.ID)
	require.True(t, ok)
	assert.Nil(t, stored.LastUpdated)
	assert.Zero(t, stored.TotalValueUSD)

	st, err := f.core.Status(ethAddr)
	require.NoError(t, err)
	assert.True(t, st.Failed())
}

func TestRemoveWallet_Idempotent(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	removed, err := f.core.RemoveWallet(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.core.RemoveWallet(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = f.core.RemoveWallet(context.Background(), ethAddr)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Empty(t, f.core.ListWallets())
	assert.Empty(t, f.core.Statuses())
}

func TestRenameWallet(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	require.NoError(t, f.core.RenameWallet(context.Background(), ethAddr, "  cold storage "))
	got, err := f.core.GetWallet(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "cold storage", got.DisplayName)
	assert.Equal(t, rec.Tokens, got.Tokens)

	err = f.core.RenameWallet(context.Background(), ethAddr2, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.core.GetWallet("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshOne_FailureLeavesRecord(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	f.eth.fn = func(context.Context, string) ([]models.RawBalance, error) {
		return nil, chain.ErrTimeout
	}
	f.clock.Set(f.clock.Now().Add(time.Minute))

	_, err = f.core.RefreshOne(context.Background(), rec.ID)
	assert.ErrorIs(t, err, chain.ErrTimeout)

	got, err := f.core.GetWallet(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Tokens, got.Tokens)
	assert.Equal(t, rec.TotalValueUSD, got.TotalValueUSD)
	assert.Equal(t, *rec.LastUpdated, *got.LastUpdated)

	st, err := f.core.Status(rec.ID)
	require.NoError(t, err)
	assert.True(t, st.Failed())
	assert.Equal(t, f.clock.Now(), st.LastAttempt)
}

func TestRefreshOne_PriceFallback(t *testing.T) {
	oracle := new(MockOracle)
	oracle.On("GetPrices", mock.Anything, []string{"ETH", "USDC"}).
		Return(map[string]models.Quote{"ETH": {Symbol: "ETH", PriceUSD: 3000}}, nil).Once()
	oracle.On("GetPrices", mock.Anything, []string{"ETH", "USDC"}).
		Return(map[string]models.Quote{}, price.ErrOracleUnavailable).Once()

	f := newFixture(t, oracle, Options{})
	f.eth.fn = fixedBalances(
		models.RawBalance{Symbol: "ETH", DisplayName: "Ether", Balance: "1.5"},
		models.RawBalance{Symbol: "USDC", DisplayName: "USD Coin", Balance: "10"},
	)

	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)
	assert.InDelta(t, 4500.0, rec.TotalValueUSD, 1e-9)
	assert.Zero(t, rec.Tokens[1].PriceUSD)

	got, err := f.core.RefreshOne(context.Background(), ethAddr)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, got.Tokens[0].PriceUSD)
	assert.Zero(t, got.Tokens[1].PriceUSD)
	assert.InDelta(t, 4500.0, got.TotalValueUSD, 1e-9)

	st, err := f.core.Status(ethAddr)
	require.NoError(t, err)
	assert.False(t, st.Failed())
	assert.Contains(t, st.PriceWarning, "unavailable")
	oracle.AssertExpectations(t)
}

func TestRefreshOne_DecryptFailure(t *testing.T) {
	seed := models.WalletRecord{
		ID:        "broken",
		Address:   "v1:not-really",
		Network:   models.NetworkEthereum,
		CreatedAt: time.Now().UTC(),
	}
	f := newFixture(t, nil, Options{}, seed)

	_, err := f.core.RefreshOne(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.ErrorIs(t, err, cipher.ErrDecryption)
	assert.Equal(t, int32(0), f.eth.calls.Load())

	got, err := f.core.GetWallet("broken")
	require.NoError(t, err)
	assert.Equal(t, "v1:not-really", got.Address)
	assert.Nil(t, got.LastUpdated)
}

func TestRefreshOne_LastUpdatedNeverRegresses(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	f.clock.Set(f.clock.Now().Add(-time.Hour))
	got, err := f.core.RefreshOne(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, *rec.LastUpdated, *got.LastUpdated)
}

func TestRefreshOne_RemovedDuringRefreshIsDiscarded(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.eth.fn = func(context.Context, string) ([]models.RawBalance, error) {
		close(entered)
		<-release
		return []models.RawBalance{{Symbol: "ETH", Balance: "99"}}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.core.RefreshOne(context.Background(), rec.ID)
		errCh <- err
	}()

	<-entered
	removed, err := f.core.RemoveWallet(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, removed)
	close(release)

	assert.ErrorIs(t, <-errCh, ErrNotFound)
	assert.Equal(t, 0, f.store.Len())
}

func TestRefreshOne_ReAddedDuringRefreshIsDiscarded(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.eth.fn = func(context.Context, string) ([]models.RawBalance, error) {
		close(entered)
		<-release
		return []models.RawBalance{{Symbol: "ETH", Balance: "99"}}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.core.RefreshOne(context.Background(), rec.ID)
		errCh <- err
	}()
	<-entered

	_, err = f.core.RemoveWallet(context.Background(), rec.ID)
	require.NoError(t, err)
	f.clock.Set(f.clock.Now().Add(time.Second))

	// Bypass the core so the re-add does not wait on the wallet lock.
	fresh := models.WalletRecord{ID: rec.ID, Address: rec.Address, Network: rec.Network, CreatedAt: f.clock.Now()}
	require.NoError(t, f.store.Insert(context.Background(), fresh, 10))
	close(release)

	assert.ErrorIs(t, <-errCh, ErrNotFound)
	got, ok := f.store.Get(rec.ID)
	require.True(t, ok)
	assert.Empty(t, got.Tokens)
}

func TestRefreshAll_IsolatesFailures(t *testing.T) {
	f := newFixture(t, nil, Options{Concurrency: 2})
	good, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)
	bad, err := f.core.AddWallet(context.Background(), ethAddr2, models.NetworkEthereum)
	require.NoError(t, err)

	f.eth.fn = func(_ context.Context, address string) ([]models.RawBalance, error) {
		if address == ethAddr2 {
			return nil, &chain.RPCError{Network: models.NetworkEthereum, Code: -32000, Message: "boom"}
		}
		return []models.RawBalance{{Symbol: "ETH", Balance: "3"}}, nil
	}

	report := f.core.RefreshAll(context.Background())
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Refreshed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, bad.ID, report.Failures[0].WalletID)
	assert.Error(t, report.Err())

	var rpcErr *chain.RPCError
	assert.ErrorAs(t, report.Err(), &rpcErr)

	g, _ := f.core.GetWallet(good.ID)
	assert.InDelta(t, 9000.0, g.TotalValueUSD, 1e-9)
	b, _ := f.core.GetWallet(bad.ID)
	assert.InDelta(t, 6000.0, b.TotalValueUSD, 1e-9)
}

func TestRefreshAll_BoundedAndSerializedPerWallet(t *testing.T) {
	f := newFixture(t, nil, Options{Concurrency: 2})
	for i := 0; i < 6; i++ {
		_, err := f.core.AddWallet(context.Background(), fmt.Sprintf("0x%040x", i+1), models.NetworkEthereum)
		require.NoError(t, err)
	}

	var inFlight, peak atomic.Int32
	var perWallet sync.Map
	f.eth.fn = func(_ context.Context, address string) ([]models.RawBalance, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		counter, _ := perWallet.LoadOrStore(address, new(atomic.Int32))
		if counter.(*atomic.Int32).Add(1) > 1 {
			t.Errorf("wallet %s refreshed concurrently", address)
		}
		time.Sleep(10 * time.Millisecond)
		counter.(*atomic.Int32).Add(-1)
		return []models.RawBalance{{Symbol: "ETH", Balance: "1"}}, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); f.core.RefreshAll(context.Background()) }()
	go func() {
		defer wg.Done()
		_, _ = f.core.RefreshOne(context.Background(), fmt.Sprintf("0x%040x", 1))
	}()
	wg.Wait()

	// RefreshAll uses at most two workers; RefreshOne may add a third.
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRefreshAll_ConcurrentRunsAreSerialized(t *testing.T) {
	f := newFixture(t, nil, Options{})
	_, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	var inFlight atomic.Int32
	f.eth.fn = func(context.Context, string) ([]models.RawBalance, error) {
		if inFlight.Add(1) > 1 {
			t.Error("refresh runs overlapped")
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return []models.RawBalance{{Symbol: "ETH", Balance: "1"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := f.core.RefreshAll(context.Background())
			assert.Equal(t, 1, r.Refreshed)
		}()
	}
	wg.Wait()
}

func TestReadsDuringRefreshAreConsistent(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)

	var n atomic.Int32
	f.eth.fn = func(context.Context, string) ([]models.RawBalance, error) {
		v := n.Add(1)
		return []models.RawBalance{
			{Symbol: "ETH", Balance: fmt.Sprintf("%d", v)},
			{Symbol: "USDC", Balance: fmt.Sprintf("%d", v*2)},
		}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			_, _ = f.core.RefreshOne(ctx, rec.ID)
		}
	}()

	for i := 0; i < 200; i++ {
		got, err := f.core.GetWallet(rec.ID)
		require.NoError(t, err)
		sum := 0.0
		for _, tk := range got.Tokens {
			sum += tk.ValueUSD
		}
		require.InDelta(t, sum, got.TotalValueUSD, 1e-9)
	}
}

func TestEventsArePublished(t *testing.T) {
	f := newFixture(t, nil, Options{})
	sub := f.core.Subscribe()
	defer f.core.Unsubscribe(sub)

	rec, err := f.core.AddWallet(context.Background(), ethAddr, models.NetworkEthereum)
	require.NoError(t, err)
	require.NoError(t, f.core.RenameWallet(context.Background(), rec.ID, "main"))
	f.core.RefreshAll(context.Background())
	_, err = f.core.RemoveWallet(context.Background(), rec.ID)
	require.NoError(t, err)

	var types []watcher.EventType
	for len(types) < 5 {
		ev := <-sub
		types = append(types, ev.Type)
		if ev.Type == watcher.EventWalletAdded || ev.Type == watcher.EventWalletRefreshed {
			assert.NotContains(t, fmt.Sprint(ev.Data), ethAddr)
		}
	}
	assert.Equal(t, []watcher.EventType{
		watcher.EventWalletAdded,
		watcher.EventWalletRenamed,
		watcher.EventWalletRefreshed,
		watcher.EventSyncCompleted,
		watcher.EventWalletRemoved,
	}, types)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	assert.Equal(t, 1, k.size())
	unlock()
	assert.Equal(t, 0, k.size())
}
