// Package postgres is a Store backed by a pgx connection pool, for running the
// mirror as a shared service.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-mirror/internal/model"
	"github-mirror/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ store.Store = (*Store)(nil)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dbURL and applies migrations.
func Open(ctx context.Context, dbURL string, logger *slog.Logger) (*Store, error) {
	if err := RunMigrations(dbURL); err != nil {
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	logger.Info("Postgres store ready")
	return &Store{pool: pool, logger: logger}, nil
}

// RunMigrations applies the embedded schema to dbURL.
func RunMigrations(dbURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) PutRecords(ctx context.Context, kind model.Kind, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}
	table, err := store.Table(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, repository_full_name, state, updated_at, payload, etag, last_fetched_at, remote_updated_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			repository_full_name = EXCLUDED.repository_full_name,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at,
			payload = EXCLUDED.payload,
			etag = EXCLUDED.etag,
			last_fetched_at = EXCLUDED.last_fetched_at,
			remote_updated_at = EXCLUDED.remote_updated_at,
			last_error = EXCLUDED.last_error`, table)

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.ID,
			r.RepositoryFullName,
			r.State,
			nullTime(r.UpdatedAt),
			r.Payload,
			r.Meta.ETag,
			nullTime(r.Meta.LastFetchedAt),
			nullTime(r.Meta.RemoteUpdatedAt),
			r.Meta.LastError,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: upserting into %s: %w", table, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) LoadRecords(ctx context.Context, kind model.Kind) ([]store.Record, error) {
	table, err := store.Table(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, repository_full_name, state, updated_at, payload, etag, last_fetched_at, remote_updated_at, last_error
		FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("postgres: loading %s: %w", table, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Record, error) {
		var (
			r                                   store.Record
			updatedAt, fetchedAt, remoteUpdated *time.Time
		)
		err := row.Scan(&r.ID, &r.RepositoryFullName, &r.State, &updatedAt, &r.Payload,
			&r.Meta.ETag, &fetchedAt, &remoteUpdated, &r.Meta.LastError)
		r.UpdatedAt = deref(updatedAt)
		r.Meta.LastFetchedAt = deref(fetchedAt)
		r.Meta.RemoteUpdatedAt = deref(remoteUpdated)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning %s: %w", table, err)
	}
	return records, nil
}

func (s *Store) DeleteRecords(ctx context.Context, kind model.Kind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := store.Table(kind)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", table), ids); err != nil {
		return fmt.Errorf("postgres: deleting from %s: %w", table, err)
	}
	return nil
}

func (s *Store) PutScopeMeta(ctx context.Context, meta model.ScopeMeta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_metadata (scope, etag, last_fetched_at, cursor_at, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope) DO UPDATE SET
			etag = EXCLUDED.etag,
			last_fetched_at = EXCLUDED.last_fetched_at,
			cursor_at = EXCLUDED.cursor_at,
			last_error = EXCLUDED.last_error`,
		meta.Scope, meta.ETag, nullTime(meta.LastFetchedAt), nullTime(meta.Cursor), meta.LastError)
	if err != nil {
		return fmt.Errorf("postgres: saving scope %s: %w", meta.Scope, err)
	}
	return nil
}

func (s *Store) LoadScopeMeta(ctx context.Context) ([]model.ScopeMeta, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope, etag, last_fetched_at, cursor_at, last_error FROM sync_metadata`)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading sync metadata: %w", err)
	}
	metas, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ScopeMeta, error) {
		var (
			m                 model.ScopeMeta
			fetchedAt, cursor *time.Time
		)
		err := row.Scan(&m.Scope, &m.ETag, &fetchedAt, &cursor, &m.LastError)
		m.LastFetchedAt = deref(fetchedAt)
		m.Cursor = deref(cursor)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning sync metadata: %w", err)
	}
	return metas, nil
}

func (s *Store) PutSearchResult(ctx context.Context, result model.SearchResult) error {
	ids, err := json.Marshal(result.IDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO search_results (query, kind, ids, total_count, etag, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (query, kind) DO UPDATE SET
			ids = EXCLUDED.ids,
			total_count = EXCLUDED.total_count,
			etag = EXCLUDED.etag,
			fetched_at = EXCLUDED.fetched_at`,
		result.Query, string(result.Kind), ids, result.TotalCount, result.ETag, result.FetchedAt)
	if err != nil {
		return fmt.Errorf("postgres: saving search result %q: %w", result.Query, err)
	}
	return nil
}

func (s *Store) LoadSearchResults(ctx context.Context) ([]model.SearchResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT query, kind, ids, total_count, etag, fetched_at FROM search_results`)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading search results: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SearchResult, error) {
		var (
			r    model.SearchResult
			kind string
			ids  []byte
		)
		if err := row.Scan(&r.Query, &kind, &ids, &r.TotalCount, &r.ETag, &r.FetchedAt); err != nil {
			return r, err
		}
		r.Kind = model.Kind(kind)
		return r, json.Unmarshal(ids, &r.IDs)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning search results: %w", err)
	}
	return results, nil
}

func (s *Store) DeleteSearchResultsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM search_results WHERE fetched_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purging search results: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range store.Tables() {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("postgres: clearing %s: %w", table, err)
		}
	}
	return tx.Commit(ctx)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
