// Package pg implementa el backend durable sobre PostgreSQL (pgx pool).
// CAS = UPDATE condicionado por versión; 0 filas afectadas distingue
// conflicto de not-found con un lookup extra.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/johngrant/internal/storage"
)

type PG struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &PG{pool: pool}, nil
}

func (p *PG) Get(ctx context.Context, id string) (*storage.Record, error) {
	rec := &storage.Record{ID: id}
	var exp *time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT kind, version, data, expires_at
		  FROM engine_record
		 WHERE id = $1`, id,
	).Scan(&rec.Kind, &rec.Version, &rec.Data, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if exp != nil {
		rec.ExpiresAt = *exp
	}
	return rec, nil
}

func (p *PG) Put(ctx context.Context, rec *storage.Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO engine_record (id, kind, version, data, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		   SET kind = EXCLUDED.kind,
		       version = EXCLUDED.version,
		       data = EXCLUDED.data,
		       expires_at = EXCLUDED.expires_at`,
		rec.ID, rec.Kind, rec.Version, rec.Data, nullableTime(rec.ExpiresAt),
	)
	return err
}

func (p *PG) Create(ctx context.Context, rec *storage.Record) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO engine_record (id, kind, version, data, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Kind, rec.Version, rec.Data, nullableTime(rec.ExpiresAt),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (p *PG) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, rec *storage.Record) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE engine_record
		   SET kind = $3, version = $4, data = $5, expires_at = $6
		 WHERE id = $1 AND version = $2`,
		id, expectedVersion, rec.Kind, expectedVersion+1, rec.Data, nullableTime(rec.ExpiresAt),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// distinguir conflicto de inexistente
		var one int
		err := p.pool.QueryRow(ctx, `SELECT 1 FROM engine_record WHERE id = $1`, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return storage.ErrConflict
	}
	return nil
}

func (p *PG) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM engine_record WHERE id = $1`, id)
	return err
}

func (p *PG) ListExpiredBefore(ctx context.Context, t time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM engine_record
		 WHERE expires_at IS NOT NULL AND expires_at < $1`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PG) Close() error {
	p.pool.Close()
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
