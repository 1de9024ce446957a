package store

import (
	"context"
	"sync"

	"walletsync/pkg/models"
)

// Memory holds the snapshot in process. Used for dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	records []models.WalletRecord
	saves   int
}

func NewMemory(seed ...models.WalletRecord) *Memory {
	return &Memory{records: cloneRecords(seed)}
}

func (m *Memory) LoadSnapshot(_ context.Context) ([]models.WalletRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRecords(m.records), nil
}

func (m *Memory) SaveSnapshot(_ context.Context, records []models.WalletRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = cloneRecords(records)
	m.saves++
	return nil
}

// Saves reports how many snapshots were written.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }

func cloneRecords(in []models.WalletRecord) []models.WalletRecord {
	if in == nil {
		return nil
	}
	out := make([]models.WalletRecord, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
