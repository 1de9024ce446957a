package store

import (
	"context"
	"fmt"
	"time"

	"walletsync/pkg/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores the snapshot in a shared database. Each save replaces the
// table contents in one transaction.
type Postgres struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	p := &Postgres{pool: pool, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS wallets (
        id TEXT PRIMARY KEY,
        address TEXT NOT NULL,
        network TEXT NOT NULL,
        display_name TEXT NOT NULL DEFAULT '',
        tokens TEXT NOT NULL DEFAULT '[]',
        total_value_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
        last_updated TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL,
        position INTEGER NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("failed to create wallets table: %w", err)
	}
	return nil
}

func (p *Postgres) LoadSnapshot(ctx context.Context) ([]models.WalletRecord, error) {
	query, args, err := selectSnapshot(p.sb)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var out []models.WalletRecord
	for rows.Next() {
		var (
			r           models.WalletRecord
			network     string
			tokens      string
			lastUpdated *time.Time
			position    int
		)
		if err := rows.Scan(&r.ID, &r.Address, &network, &r.DisplayName, &tokens,
			&r.TotalValueUSD, &lastUpdated, &r.CreatedAt, &position); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		r.Network = models.Network(network)
		r.LastUpdated = lastUpdated
		if r.Tokens, err = decodeTokens(tokens); err != nil {
			return nil, fmt.Errorf("wallet %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSnapshot(ctx context.Context, records []models.WalletRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM "+walletsTable); err != nil {
		return fmt.Errorf("failed to clear wallets: %w", err)
	}
	if len(records) > 0 {
		query, args, err := insertSnapshot(p.sb, records, pgTime)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert wallets: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func pgTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
