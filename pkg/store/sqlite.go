package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"walletsync/pkg/models"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

// SQLite stores the snapshot in a single table, replaced inside one
// transaction per save.
type SQLite struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	createStmt := `CREATE TABLE IF NOT EXISTS wallets (
        id TEXT PRIMARY KEY,
        address TEXT NOT NULL,
        network TEXT NOT NULL,
        display_name TEXT NOT NULL DEFAULT '',
        tokens TEXT NOT NULL DEFAULT '[]',
        total_value_usd REAL NOT NULL DEFAULT 0,
        last_updated TEXT,
        created_at TEXT NOT NULL,
        position INTEGER NOT NULL
    )`
	if _, err := s.db.Exec(createStmt); err != nil {
		return fmt.Errorf("failed to create wallets table: %w", err)
	}
	return nil
}

func (s *SQLite) LoadSnapshot(ctx context.Context) ([]models.WalletRecord, error) {
	query, args, err := selectSnapshot(s.sb)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WalletRecord
	for rows.Next() {
		var (
			r           models.WalletRecord
			network     string
			tokens      string
			lastUpdated sql.NullString
			createdAt   string
			position    int
		)
		if err := rows.Scan(&r.ID, &r.Address, &network, &r.DisplayName, &tokens,
			&r.TotalValueUSD, &lastUpdated, &createdAt, &position); err != nil {
			return nil, err
		}
		r.Network = models.Network(network)
		if r.Tokens, err = decodeTokens(tokens); err != nil {
			return nil, fmt.Errorf("wallet %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("wallet %s: bad created_at: %w", r.ID, err)
		}
		if lastUpdated.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastUpdated.String)
			if err != nil {
				return nil, fmt.Errorf("wallet %s: bad last_updated: %w", r.ID, err)
			}
			r.LastUpdated = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveSnapshot(ctx context.Context, records []models.WalletRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+walletsTable); err != nil {
		return fmt.Errorf("failed to clear wallets: %w", err)
	}
	if len(records) > 0 {
		query, args, err := insertSnapshot(s.sb, records, sqliteTime)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert wallets: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sqliteTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
