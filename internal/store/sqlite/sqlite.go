// Package sqlite is the default local Store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github-mirror/internal/model"
	"github-mirror/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ store.Store = (*DB)(nil)

// DB is a Store on a single sqlite file.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path, enables WAL and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: connecting to %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if err := migrateUp(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	// One writer at a time; sqlite serializes writes anyway.
	conn.SetMaxOpenConns(1)

	logger.Info("SQLite store ready", "path", path)
	return &DB{conn: conn, logger: logger}, nil
}

func migrateUp(conn *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) PutRecords(ctx context.Context, kind model.Kind, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}
	table, err := store.Table(kind)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, repository_full_name, state, updated_at, payload, etag, last_fetched_at, remote_updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_full_name = excluded.repository_full_name,
			state = excluded.state,
			updated_at = excluded.updated_at,
			payload = excluded.payload,
			etag = excluded.etag,
			last_fetched_at = excluded.last_fetched_at,
			remote_updated_at = excluded.remote_updated_at,
			last_error = excluded.last_error`, table))
	if err != nil {
		return fmt.Errorf("sqlite: preparing upsert into %s: %w", table, err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.ID,
			r.RepositoryFullName,
			r.State,
			toMillis(r.UpdatedAt),
			r.Payload,
			r.Meta.ETag,
			toMillis(r.Meta.LastFetchedAt),
			toMillis(r.Meta.RemoteUpdatedAt),
			r.Meta.LastError,
		)
		if err != nil {
			return fmt.Errorf("sqlite: upserting %s %d: %w", kind, r.ID, err)
		}
	}
	return tx.Commit()
}

func (db *DB) LoadRecords(ctx context.Context, kind model.Kind) ([]store.Record, error) {
	table, err := store.Table(kind)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, repository_full_name, state, updated_at, payload, etag, last_fetched_at, remote_updated_at, last_error
		FROM %s ORDER BY rowid`, table))
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading %s: %w", table, err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var (
			r                                   store.Record
			updatedAt, fetchedAt, remoteUpdated int64
		)
		if err := rows.Scan(&r.ID, &r.RepositoryFullName, &r.State, &updatedAt, &r.Payload,
			&r.Meta.ETag, &fetchedAt, &remoteUpdated, &r.Meta.LastError); err != nil {
			return nil, fmt.Errorf("sqlite: scanning %s: %w", table, err)
		}
		r.UpdatedAt = fromMillis(updatedAt)
		r.Meta.LastFetchedAt = fromMillis(fetchedAt)
		r.Meta.RemoteUpdatedAt = fromMillis(remoteUpdated)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) DeleteRecords(ctx context.Context, kind model.Kind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := store.Table(kind)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err = db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders), args...)
	if err != nil {
		return fmt.Errorf("sqlite: deleting from %s: %w", table, err)
	}
	return nil
}

func (db *DB) PutScopeMeta(ctx context.Context, meta model.ScopeMeta) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_metadata (scope, etag, last_fetched_at, cursor_at, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			etag = excluded.etag,
			last_fetched_at = excluded.last_fetched_at,
			cursor_at = excluded.cursor_at,
			last_error = excluded.last_error`,
		meta.Scope, meta.ETag, toMillis(meta.LastFetchedAt), toMillis(meta.Cursor), meta.LastError)
	if err != nil {
		return fmt.Errorf("sqlite: saving scope %s: %w", meta.Scope, err)
	}
	return nil
}

func (db *DB) LoadScopeMeta(ctx context.Context) ([]model.ScopeMeta, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT scope, etag, last_fetched_at, cursor_at, last_error FROM sync_metadata`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading sync metadata: %w", err)
	}
	defer rows.Close()

	var metas []model.ScopeMeta
	for rows.Next() {
		var (
			m                 model.ScopeMeta
			fetchedAt, cursor int64
		)
		if err := rows.Scan(&m.Scope, &m.ETag, &fetchedAt, &cursor, &m.LastError); err != nil {
			return nil, fmt.Errorf("sqlite: scanning sync metadata: %w", err)
		}
		m.LastFetchedAt = fromMillis(fetchedAt)
		m.Cursor = fromMillis(cursor)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (db *DB) PutSearchResult(ctx context.Context, result model.SearchResult) error {
	ids, err := json.Marshal(result.IDs)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO search_results (query, kind, ids, total_count, etag, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(query, kind) DO UPDATE SET
			ids = excluded.ids,
			total_count = excluded.total_count,
			etag = excluded.etag,
			fetched_at = excluded.fetched_at`,
		result.Query, string(result.Kind), string(ids), result.TotalCount, result.ETag, toMillis(result.FetchedAt))
	if err != nil {
		return fmt.Errorf("sqlite: saving search result %q: %w", result.Query, err)
	}
	return nil
}

func (db *DB) LoadSearchResults(ctx context.Context) ([]model.SearchResult, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT query, kind, ids, total_count, etag, fetched_at FROM search_results`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading search results: %w", err)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var (
			r         model.SearchResult
			kind, ids string
			fetchedAt int64
		)
		if err := rows.Scan(&r.Query, &kind, &ids, &r.TotalCount, &r.ETag, &fetchedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning search result: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &r.IDs); err != nil {
			return nil, fmt.Errorf("sqlite: decoding ids for %q: %w", r.Query, err)
		}
		r.Kind = model.Kind(kind)
		r.FetchedAt = fromMillis(fetchedAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (db *DB) DeleteSearchResultsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM search_results WHERE fetched_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purging search results: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) Clear(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range store.Tables() {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("sqlite: clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Times are stored as unix milliseconds; zero means unset.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
