// Package archive is the optional Postgres retention tier: terminal
// request records are copied here so operators keep history beyond the
// 48 hour hot TTL in Redis.
package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doublewordai/silt/proxy/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_requests (
	key         TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	payload     JSONB,
	batch_id    TEXT,
	result      JSONB,
	error       JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresArchive stores terminal records durably.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive connects, verifies the connection, and ensures the
// schema exists.
func NewPostgresArchive(ctx context.Context, connString string) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// The archiver is a single low-rate writer; keep the pool small.
	config.MaxConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresArchive{pool: pool}, nil
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() {
	a.pool.Close()
}

// ArchiveRecords upserts a batch of terminal records in one roundtrip.
// Re-archiving a key overwrites the previous row, so replays after a
// failed flush are safe.
func (a *PostgresArchive) ArchiveRecords(ctx context.Context, records []*store.RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO archived_requests (key, status, payload, batch_id, result, error, created_at, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (key) DO UPDATE SET
			status = EXCLUDED.status,
			batch_id = EXCLUDED.batch_id,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at,
			archived_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, rec := range records {
		var errJSON []byte
		if rec.Error != nil {
			errJSON, _ = json.Marshal(rec.Error)
		}
		batch.Queue(query,
			rec.Key, string(rec.Status), []byte(rec.Payload), rec.BatchID,
			[]byte(rec.Result), errJSON, rec.CreatedAt, rec.UpdatedAt,
		)
	}

	results := a.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
