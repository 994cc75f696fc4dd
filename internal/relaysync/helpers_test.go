package relaysync

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T, opts StoreOptions) (*Store, *testClock) {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLiteMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))

	clock := newTestClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = t.TempDir()
	}
	store := NewStore(db, opts)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func mustPut(t *testing.T, env Env, path, content string) Item {
	t.Helper()
	it, err := env.Items().CreateOrReplace(context.Background(), path, bytes.NewReader([]byte(content)), SaveOptions{})
	require.NoError(t, err)
	return it
}

func readContent(t *testing.T, env Env, path string) string {
	t.Helper()
	ctx := context.Background()
	it, err := env.Items().Resolve(ctx, path)
	require.NoError(t, err)
	rc, err := env.Items().SerializedContent(ctx, it)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func drainDelta(t *testing.T, env Env, cursor string, limit int) ([]Change, string) {
	t.Helper()
	var all []Change
	for i := 0; i < 1000; i++ {
		page, err := env.Changes().Delta(context.Background(), cursor, limit)
		require.NoError(t, err)
		all = append(all, page.Items...)
		cursor = page.Cursor
		if !page.HasMore {
			return all, cursor
		}
	}
	t.Fatalf("delta did not drain")
	return nil, ""
}

func countChanges(t *testing.T, store *Store, itemID string) int {
	t.Helper()
	var n int
	err := store.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM changes WHERE item_id = ?", itemID).Scan(&n)
	require.NoError(t, err)
	return n
}
