package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"walletsync/pkg/config"
	"walletsync/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []models.WalletRecord {
	updated := time.Date(2024, 3, 2, 8, 30, 15, 123000000, time.UTC)
	return []models.WalletRecord{
		{
			ID:            "id-eth",
			Address:       "v1:aaaa",
			Network:       models.NetworkEthereum,
			DisplayName:   "Main",
			Tokens:        []models.TokenBalance{{Symbol: "ETH", DisplayName: "Ether", Balance: "2", PriceUSD: 3000, Change24hPercent: 1.5, ValueUSD: 6000}},
			TotalValueUSD: 6000,
			LastUpdated:   &updated,
			CreatedAt:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			ID:        "id-sol",
			Address:   "v1:bbbb",
			Network:   models.NetworkSolana,
			Tokens:    []models.TokenBalance{},
			CreatedAt: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		},
	}
}

func assertRecordsEqual(t *testing.T, want, got []models.WalletRecord) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.Address, g.Address)
		assert.Equal(t, w.Network, g.Network)
		assert.Equal(t, w.DisplayName, g.DisplayName)
		assert.Equal(t, w.TotalValueUSD, g.TotalValueUSD)
		assert.True(t, w.CreatedAt.Equal(g.CreatedAt), "created_at %v != %v", w.CreatedAt, g.CreatedAt)
		if w.LastUpdated == nil {
			assert.Nil(t, g.LastUpdated)
		} else {
			require.NotNil(t, g.LastUpdated)
			assert.True(t, w.LastUpdated.Equal(*g.LastUpdated))
		}
		assert.Len(t, g.Tokens, len(w.Tokens))
		for j := range w.Tokens {
			assert.Equal(t, w.Tokens[j], g.Tokens[j])
		}
	}
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.json")
	f := NewFile(path, 3)
	ctx := context.Background()

	empty, err := f.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, f.SaveSnapshot(ctx, sampleRecords()))
	got, err := f.LoadSnapshot(ctx)
	require.NoError(t, err)
	assertRecordsEqual(t, sampleRecords(), got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": 1`)
	assert.NotContains(t, string(data), "0x")
}

func TestFile_BackupsArePruned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.json")
	f := NewFile(path, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.SaveSnapshot(ctx, sampleRecords()[:1+i%2]))
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := backupFiles(path)
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestFile_RestoreLastBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.json")
	f := NewFile(path, 5)
	ctx := context.Background()

	_, err := RestoreLastBackup(path)
	assert.Error(t, err)

	require.NoError(t, f.SaveSnapshot(ctx, sampleRecords()))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.SaveSnapshot(ctx, nil))

	got, err := f.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	restored, err := RestoreLastBackup(path)
	require.NoError(t, err)
	assert.Contains(t, restored, ".bak")

	got, err = f.LoadSnapshot(ctx)
	require.NoError(t, err)
	assertRecordsEqual(t, sampleRecords(), got)
}

func TestFile_RejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 9, "wallets": []}`), 0o600))

	_, err := NewFile(path, 0).LoadSnapshot(context.Background())
	assert.Error(t, err)
}

func TestSQLite_RoundTrip(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "wallets.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	empty, err := db.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, db.SaveSnapshot(ctx, sampleRecords()))
	got, err := db.LoadSnapshot(ctx)
	require.NoError(t, err)
	assertRecordsEqual(t, sampleRecords(), got)

	require.NoError(t, db.SaveSnapshot(ctx, sampleRecords()[1:]))
	got, err = db.LoadSnapshot(ctx)
	require.NoError(t, err)
	assertRecordsEqual(t, sampleRecords()[1:], got)

	require.NoError(t, db.SaveSnapshot(ctx, nil))
	got, err = db.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("WALLETSYNC_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("WALLETSYNC_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = pg.Close() }()

	require.NoError(t, pg.SaveSnapshot(ctx, sampleRecords()))
	got, err := pg.LoadSnapshot(ctx)
	require.NoError(t, err)
	assertRecordsEqual(t, sampleRecords(), got)

	require.NoError(t, pg.SaveSnapshot(ctx, nil))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open(ctx, configStorage("file", filepath.Join(dir, "w.json")))
	require.NoError(t, err)
	assert.IsType(t, &File{}, b)

	b, err = Open(ctx, configStorage("sqlite", filepath.Join(dir, "w.db")))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, b)
	_ = b.Close()

	b, err = Open(ctx, configStorage("memory", ""))
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	_, err = Open(ctx, configStorage("redis", ""))
	assert.Error(t, err)
}

func configStorage(driver, path string) config.Storage {
	return config.Storage{Driver: driver, Path: path, Backups: 1}
}
