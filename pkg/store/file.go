package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"walletsync/pkg/models"
	"walletsync/pkg/utils"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int                   `json:"version"`
	Wallets []models.WalletRecord `json:"wallets"`
}

// File keeps the snapshot in one JSON document. Each save first copies the
// previous document to a timestamped .bak file, keeping the newest backups.
type File struct {
	path    string
	backups int
	mu      sync.Mutex
}

func NewFile(path string, backups int) *File {
	return &File{path: path, backups: backups}
}

func (f *File) LoadSnapshot(_ context.Context) ([]models.WalletRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.path, err)
	}
	if doc.Version > fileFormatVersion {
		return nil, fmt.Errorf("unsupported wallet file version %d", doc.Version)
	}
	return doc.Wallets, nil
}

func (f *File) SaveSnapshot(_ context.Context, records []models.WalletRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if records == nil {
		records = []models.WalletRecord{}
	}
	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Wallets: records}, "", "  ")
	if err != nil {
		return err
	}

	if f.backups > 0 {
		if err := f.backup(); err != nil {
			return err
		}
	}
	return utils.WriteFileAtomic(f.path, data, 0o600)
}

func (f *File) Close() error { return nil }

func (f *File) backup() error {
	input, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing wallets for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.%s.bak", f.path, time.Now().UTC().Format("20060102-150405.000000"))
	if err := os.WriteFile(backupPath, input, 0o600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	matches, err := backupFiles(f.path)
	if err != nil {
		return err
	}
	for len(matches) > f.backups {
		_ = os.Remove(matches[0])
		matches = matches[1:]
	}
	return nil
}

func backupFiles(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*.bak")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// RestoreLastBackup copies the newest backup over the wallet file.
func RestoreLastBackup(path string) (string, error) {
	matches, err := backupFiles(path)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no backup files found")
	}
	lastBackup := matches[len(matches)-1]

	data, err := os.ReadFile(lastBackup)
	if err != nil {
		return "", err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("backup %s is not a wallet file: %w", lastBackup, err)
	}
	return lastBackup, utils.WriteFileAtomic(path, data, 0o600)
}
