package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres keeps all buckets in one kv table, upserting on write.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pgx pool, pings it, and ensures the kv table
// exists.
func NewPostgres(dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{db: pool, logger: logger}
	if err := p.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connected")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS convoy_kv (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			val        BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bucket, key)
		)`)
	if err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

func (p *Postgres) Put(ctx context.Context, bucket, key string, val []byte) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO convoy_kv (bucket, key, val, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (bucket, key) DO UPDATE SET
			val = EXCLUDED.val,
			updated_at = EXCLUDED.updated_at`,
		bucket, key, val)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var val []byte
	err := p.db.QueryRow(ctx,
		`SELECT val FROM convoy_kv WHERE bucket = $1 AND key = $2`,
		bucket, key).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return val, nil
}

func (p *Postgres) List(ctx context.Context, bucket string) (map[string][]byte, error) {
	rows, err := p.db.Query(ctx,
		`SELECT key, val FROM convoy_kv WHERE bucket = $1`, bucket)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var val []byte
		if err := rows.Scan(&key, &val); err != nil {
			return nil, fmt.Errorf("scan %s: %w", bucket, err)
		}
		out[key] = val
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, bucket, key string) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM convoy_kv WHERE bucket = $1 AND key = $2`, bucket, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
