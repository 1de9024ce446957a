// Package store keeps the tracked wallets in memory and mirrors every
// mutation to a persistence backend before it becomes visible.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"walletsync/pkg/metrics"
	"walletsync/pkg/models"

	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("wallet not found")
	ErrExists   = errors.New("wallet already exists")
	ErrFull     = errors.New("wallet limit reached")
)

// Backend persists whole snapshots of the wallet collection.
type Backend interface {
	LoadSnapshot(ctx context.Context) ([]models.WalletRecord, error)
	SaveSnapshot(ctx context.Context, records []models.WalletRecord) error
	Close() error
}

// snapshot is immutable once published.
type snapshot struct {
	byID  map[string]models.WalletRecord
	order []string
}

func (s *snapshot) records() []models.WalletRecord {
	out := make([]models.WalletRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// clone copies the maps and slices so the next snapshot can be edited.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byID:  make(map[string]models.WalletRecord, len(s.byID)+1),
		order: make([]string, len(s.order), len(s.order)+1),
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	copy(next.order, s.order)
	return next
}

// Store serves lock-free reads from the current snapshot. Writers are
// serialized and a mutation is published only after the backend saved it.
type Store struct {
	backend Backend
	log     *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

func New(backend Backend, log *zap.Logger) *Store {
	s := &Store{backend: backend, log: log.Named("store")}
	s.current.Store(&snapshot{byID: map[string]models.WalletRecord{}})
	return s
}

// Load replaces the in-memory state with the backend's snapshot.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.backend.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load wallets: %w", err)
	}

	next := &snapshot{byID: make(map[string]models.WalletRecord, len(records))}
	for _, r := range records {
		if _, dup := next.byID[r.ID]; dup {
			s.log.Warn("dropping duplicate wallet in snapshot", zap.String("wallet_id", r.ID))
			continue
		}
		next.byID[r.ID] = r.Clone()
		next.order = append(next.order, r.ID)
	}
	s.current.Store(next)
	metrics.TrackedWallets.Set(float64(len(next.order)))
	s.log.Info("wallets loaded", zap.Int("count", len(next.order)))
	return nil
}

func (s *Store) Get(id string) (models.WalletRecord, bool) {
	r, ok := s.current.Load().byID[id]
	if !ok {
		return models.WalletRecord{}, false
	}
	return r.Clone(), true
}

// List returns every wallet in insertion order.
func (s *Store) List() []models.WalletRecord {
	return s.current.Load().records()
}

func (s *Store) Len() int {
	return len(s.current.Load().order)
}

// Upsert replaces the record with the same id, or appends it.
func (s *Store) Upsert(ctx context.Context, rec models.WalletRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	if _, ok := next.byID[rec.ID]; !ok {
		next.order = append(next.order, rec.ID)
	}
	next.byID[rec.ID] = rec.Clone()
	return s.commit(ctx, next)
}

// Insert adds rec only if its id is new and the store holds fewer than
// limit wallets. A limit <= 0 disables the capacity check.
func (s *Store) Insert(ctx context.Context, rec models.WalletRecord, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if _, ok := cur.byID[rec.ID]; ok {
		return ErrExists
	}
	if limit > 0 && len(cur.order) >= limit {
		return ErrFull
	}

	next := cur.clone()
	next.byID[rec.ID] = rec.Clone()
	next.order = append(next.order, rec.ID)
	return s.commit(ctx, next)
}

// Update applies fn to a copy of the record and commits the result. If fn
// returns an error nothing is written and the error is returned as is.
func (s *Store) Update(ctx context.Context, id string, fn func(*models.WalletRecord) error) (models.WalletRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	existing, ok := cur.byID[id]
	if !ok {
		return models.WalletRecord{}, ErrNotFound
	}

	rec := existing.Clone()
	if err := fn(&rec); err != nil {
		return models.WalletRecord{}, err
	}
	rec.ID = id

	next := cur.clone()
	next.byID[id] = rec
	if err := s.commit(ctx, next); err != nil {
		return models.WalletRecord{}, err
	}
	return rec.Clone(), nil
}

// Delete removes the wallet. It reports false when the id was not tracked.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if _, ok := cur.byID[id]; !ok {
		return false, nil
	}

	next := cur.clone()
	delete(next.byID, id)
	for i, oid := range next.order {
		if oid == id {
			next.order = append(next.order[:i], next.order[i+1:]...)
			break
		}
	}
	if err := s.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// commit must be called with mu held.
func (s *Store) commit(ctx context.Context, next *snapshot) error {
	if err := s.backend.SaveSnapshot(ctx, next.records()); err != nil {
		s.log.Error("persist failed, mutation rejected", zap.Error(err))
		return fmt.Errorf("failed to persist wallets: %w", err)
	}
	s.current.Store(next)
	metrics.TrackedWallets.Set(float64(len(next.order)))
	return nil
}
