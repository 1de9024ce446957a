package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"walletsync/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingBackend struct {
	Memory
	fail error
}

func (f *failingBackend) SaveSnapshot(ctx context.Context, records []models.WalletRecord) error {
	if f.fail != nil {
		return f.fail
	}
	return f.Memory.SaveSnapshot(ctx, records)
}

func record(id string) models.WalletRecord {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.WalletRecord{
		ID:        id,
		Address:   "v1:cipher-" + id,
		Network:   models.NetworkEthereum,
		CreatedAt: created,
		Tokens:    []models.TokenBalance{{Symbol: "ETH", Balance: "1", PriceUSD: 10, ValueUSD: 10}},
	}
}

func TestStore_InsertGetList(t *testing.T) {
	mem := NewMemory()
	s := New(mem, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, record("a"), 0))
	require.NoError(t, s.Insert(ctx, record("b"), 0))

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, mem.Saves())

	assert.ErrorIs(t, s.Insert(ctx, record("a"), 0), ErrExists)
}

func TestStore_ReadsAreCopies(t *testing.T) {
	s := New(NewMemory(), zap.NewNop())
	require.NoError(t, s.Insert(context.Background(), record("a"), 0))

	got, _ := s.Get("a")
	got.Tokens[0].Balance = "999"
	got.DisplayName = "mutated"

	again, _ := s.Get("a")
	assert.Equal(t, "1", again.Tokens[0].Balance)
	assert.Empty(t, again.DisplayName)
}

func TestStore_InsertCapacityIsAtomic(t *testing.T) {
	s := New(NewMemory(), zap.NewNop())
	ctx := context.Background()

	const limit = 5
	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Insert(ctx, record(fmt.Sprintf("w%02d", i)), limit)
		}(i)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, limit, ok)
	assert.Equal(t, 20-limit, full)
	assert.Equal(t, limit, s.Len())
}

func TestStore_UpdateAndDelete(t *testing.T) {
	s := New(NewMemory(), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, record("a"), 0))

	updated, err := s.Update(ctx, "a", func(r *models.WalletRecord) error {
		r.DisplayName = "Cold"
		r.ID = "ignored"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Cold", updated.DisplayName)
	assert.Equal(t, "a", updated.ID)

	boom := errors.New("abort")
	_, err = s.Update(ctx, "a", func(r *models.WalletRecord) error {
		r.DisplayName = "never"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, _ := s.Get("a")
	assert.Equal(t, "Cold", got.DisplayName)

	_, err = s.Update(ctx, "missing", func(*models.WalletRecord) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Zero(t, s.Len())
}

func TestStore_Upsert(t *testing.T) {
	s := New(NewMemory(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, record("a")))
	r := record("a")
	r.DisplayName = "renamed"
	require.NoError(t, s.Upsert(ctx, r))

	assert.Equal(t, 1, s.Len())
	got, _ := s.Get("a")
	assert.Equal(t, "renamed", got.DisplayName)
}

func TestStore_FailedPersistRejectsMutation(t *testing.T) {
	backend := &failingBackend{}
	s := New(backend, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, record("a"), 0))

	backend.fail = errors.New("disk full")

	assert.Error(t, s.Insert(ctx, record("b"), 0))
	_, err := s.Update(ctx, "a", func(r *models.WalletRecord) error {
		r.DisplayName = "x"
		return nil
	})
	assert.Error(t, err)
	removed, err := s.Delete(ctx, "a")
	assert.Error(t, err)
	assert.False(t, removed)

	assert.Equal(t, 1, s.Len())
	got, _ := s.Get("a")
	assert.Empty(t, got.DisplayName)

	persisted, err := backend.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.List(), persisted)
}

func TestStore_Load(t *testing.T) {
	dup := record("a")
	dup.DisplayName = "dup"
	mem := NewMemory(record("a"), record("b"), dup)

	s := New(mem, zap.NewNop())
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, 2, s.Len())
	got, _ := s.Get("a")
	assert.Empty(t, got.DisplayName)
}
