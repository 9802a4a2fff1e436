// Package sqlite is the default blob store backend. The schema lives in
// embedded golang-migrate migrations, so version upgrades run automatically
// on open and the object table and its secondary indexes (by_group,
// by_cached_at, by_last_accessed, by_expires_at) are (re)created as the
// schema evolves.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nstephens/glowworm-display/internal/blob"
	"github.com/nstephens/glowworm-display/internal/errutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	blob.Register("sqlite", func(ctx context.Context, opts blob.Options) (blob.Store, error) {
		return New(ctx, filepath.Join(opts.Dir, "media.db"), opts.ChecksumAlgo)
	})
}

// Store is a blob.Store backed by a single sqlite database file.
type Store struct {
	db   *sql.DB
	algo string
}

// New opens (or creates) the database at path and migrates it to the current
// schema version.
func New(ctx context.Context, path, checksumAlgo string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the hot path; WAL still
	// serves concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, algo: checksumAlgo}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, obj *blob.CachedObject) error {
	if err := blob.Stamp(obj, s.algo, time.Now()); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO media
			(id, group_id, source_url, mime_type, size_bytes, checksum, payload, cached_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.ID, obj.GroupID, obj.SourceURL, obj.MimeType, obj.SizeBytes,
		obj.Checksum, obj.Payload, toMillis(obj.CachedAt), toMillis(obj.LastAccessedAt),
		expiryMillis(obj.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", obj.ID, err)
	}
	return nil
}

const objectColumns = "id, group_id, source_url, mime_type, size_bytes, checksum, payload, cached_at, last_accessed_at, expires_at"

func (s *Store) Get(ctx context.Context, id string) (*blob.CachedObject, error) {
	now := time.Now()
	// Bump and read in one statement so the access-time update cannot race a
	// concurrent overwrite of the same row.
	row := s.db.QueryRowContext(ctx, `
		UPDATE media SET last_accessed_at = ?
		WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)
		RETURNING `+objectColumns,
		toMillis(now), id, toMillis(now),
	)
	obj, err := scanObject(row)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}

	// Either absent or expired. Expired rows are pruned so the miss frees
	// their space immediately.
	if _, derr := s.db.ExecContext(ctx,
		"DELETE FROM media WHERE id = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		id, toMillis(now)); derr != nil {
		return nil, fmt.Errorf("failed to prune expired %s: %w", id, derr)
	}
	return nil, blob.ErrNotFound
}

func (s *Store) Peek(ctx context.Context, id string) (*blob.CachedObject, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+objectColumns+" FROM media WHERE id = ?", id)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek %s: %w", id, err)
	}
	if obj.Expired(time.Now()) {
		return nil, blob.ErrNotFound
	}
	return obj, nil
}

func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM media WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)",
		id, toMillis(time.Now())).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM media WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM media"); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	// Hand the space back to the filesystem; kiosk disks tend to be small.
	_, err := s.db.ExecContext(ctx, "VACUUM")
	errutil.LogMsg(err, "Failed to vacuum after clear")
	return nil
}

func (s *Store) ListByGroup(ctx context.Context, groupID int64) ([]*blob.CachedObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+objectColumns+` FROM media
		WHERE group_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY cached_at, id`,
		groupID, toMillis(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to list group %d: %w", groupID, err)
	}
	defer rows.Close()

	var objs []*blob.CachedObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group %d: %w", groupID, err)
		}
		objs = append(objs, obj)
	}
	return objs, rows.Err()
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM media ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size_bytes), 0) FROM media").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to sum sizes: %w", err)
	}
	return n, nil
}

func (s *Store) LeastRecentlyUsed(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM media ORDER BY last_accessed_at, id LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query lru: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM media WHERE expires_at IS NOT NULL AND expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (*blob.CachedObject, error) {
	var (
		obj       blob.CachedObject
		cachedAt  int64
		accessed  int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&obj.ID, &obj.GroupID, &obj.SourceURL, &obj.MimeType,
		&obj.SizeBytes, &obj.Checksum, &obj.Payload, &cachedAt, &accessed, &expiresAt)
	if err != nil {
		return nil, err
	}
	obj.CachedAt = fromMillis(cachedAt)
	obj.LastAccessedAt = fromMillis(accessed)
	if expiresAt.Valid {
		obj.ExpiresAt = fromMillis(expiresAt.Int64)
	}
	return &obj, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func expiryMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
