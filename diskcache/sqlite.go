package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_items (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	size       INTEGER NOT NULL,
	priority   INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the shipped durable Store. Timestamps are persisted as unix
// milliseconds so items survive process restarts with their age intact.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the cache database at path.
// Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Errorf("open %q: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, item Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_items (namespace, key, value, size, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = excluded.value, size = excluded.size,
		    priority = excluded.priority, created_at = excluded.created_at
	`, namespace, key, item.Value, item.Size, item.Priority, item.CreatedAt.UnixMilli())
	if err != nil {
		return xerrors.Errorf("upsert item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (Item, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, size, priority, created_at FROM cache_items
		WHERE namespace = $1 AND key = $2
	`, namespace, key)

	var (
		item      Item
		createdAt int64
	)
	err := row.Scan(&item.Value, &item.Size, &item.Priority, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		// An unreadable row is treated as absent rather than surfaced to the
		// caller; drop it so it stops occupying budget.
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM cache_items WHERE namespace = $1 AND key = $2
		`, namespace, key)
		return Item{}, false, nil
	}
	item.CreatedAt = time.UnixMilli(createdAt)
	return item, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_items WHERE namespace = $1 AND key = $2
	`, namespace, key)
	if err != nil {
		return xerrors.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_items WHERE namespace = $1
	`, namespace)
	if err != nil {
		return xerrors.Errorf("delete namespace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, size, priority, created_at FROM cache_items
		WHERE namespace = $1
	`, namespace)
	if err != nil {
		return nil, xerrors.Errorf("query namespace: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			createdAt int64
		)
		if err := rows.Scan(&e.Key, &e.Size, &e.Priority, &createdAt); err != nil {
			return nil, xerrors.Errorf("scan entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("iterate namespace: %w", err)
	}
	return entries, nil
}
