package diskcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/testutil"
)

func TestSQLiteStore_UnreadableRow(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "drafts", "good", Item{Value: []byte("kept"), Size: 8}))

	// SQLite's dynamic typing lets a row carry a non-numeric created_at,
	// e.g. after a partial write by an older build. Scanning it fails.
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO cache_items (namespace, key, value, size, priority, created_at)
		VALUES ('drafts', 'bad', x'a5', 10, 1, 'not-a-timestamp')
	`)
	require.NoError(t, err)

	// The unreadable row reads as absent and is dropped, not surfaced as an
	// error.
	_, ok, err := store.Get(ctx, "drafts", "bad")
	require.NoError(t, err)
	require.False(t, ok)

	var remaining int
	require.NoError(t, store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_items WHERE namespace = 'drafts'
	`).Scan(&remaining))
	require.Equal(t, 1, remaining)

	item, ok, err := store.Get(ctx, "drafts", "good")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("kept"), item.Value)
}
