package relaysync

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/pagination"
)

func TestOpenPostgresWrapsOpenFailure(t *testing.T) {
	_, err := openPostgres(context.Background(), "postgres://example", func(string, string) (*sql.DB, error) {
		return nil, errors.New("driver missing")
	})
	assert.ErrorIs(t, err, ErrStorage)

	_, err = openPostgres(context.Background(), " ", sql.Open)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPostgresUniqueViolation(t *testing.T) {
	assert.True(t, postgresIsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, postgresIsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, postgresIsUniqueViolation(errors.New("plain")))
}

func TestPostgresLockKeyIsStable(t *testing.T) {
	assert.Equal(t, postgresLockKey("relaysync", "compact"), postgresLockKey(" relaysync ", "compact"))
	assert.NotEqual(t, postgresLockKey("relaysync", "compact"), postgresLockKey("relaysync", "other"))
}

func postgresIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	store := NewStore(db, StoreOptions{Logger: quietLogger()})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresIntegrationItemLifecycle(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()
	user := store.Env("it-" + uuid.NewString())

	mustPut(t, user, "root:/docs:", "")
	it := mustPut(t, user, "root:/docs/a.md:", "hello")
	mustPut(t, user, "root:/docs/a.md:", "hello v2")
	assert.Equal(t, "hello v2", readContent(t, user, it.ID))

	page, err := user.Items().Children(ctx, "root:/docs:", pagination.Request{}, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	require.NoError(t, user.Items().Delete(ctx, it.ID))
	changes, _ := drainDelta(t, user, "", 2)
	require.Len(t, changes, 4)
	assert.Equal(t, ChangeDelete, changes[3].Type)
}

func TestPostgresIntegrationConcurrentCreatesConverge(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()
	user := store.Env("it-" + uuid.NewString())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = user.Items().CreateOrReplace(ctx, "root:/race.md:", bytes.NewReader([]byte("same")), SaveOptions{})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	var n int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE owner_id = ?", user.UserID).Scan(&n))
	assert.Equal(t, 1, n)

	// A reader polling while writers race must still see every create.
	written := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			it, err := user.Items().CreateOrReplace(ctx, fmt.Sprintf("root:/burst/%02d.md:", i), bytes.NewReader([]byte("x")), SaveOptions{})
			if assert.NoError(t, err) {
				written <- it.ID
			}
		}(i)
	}
	seen := map[string]bool{}
	cursor := ""
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for polling := true; polling; {
		select {
		case <-done:
			polling = false
		default:
		}
		var changes []Change
		changes, cursor = drainDelta(t, user, cursor, 5)
		for _, c := range changes {
			seen[c.ItemID] = true
		}
	}
	close(written)
	for id := range written {
		assert.True(t, seen[id], "change for %s skipped", id)
	}
}

func TestPostgresIntegrationChangeAppendsAreSerialised(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()
	user := store.Env("it-" + uuid.NewString())
	_, cursor := drainDelta(t, user, "", 0)

	appended := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- store.db.WithTx(ctx, func(tx *Tx) error {
			if _, err := appendChange(ctx, tx, Item{ID: "first", Name: "first", OwnerID: user.UserID}, ChangeCreate, 1); err != nil {
				return err
			}
			close(appended)
			<-release
			return nil
		})
	}()
	<-appended

	second := make(chan error, 1)
	go func() {
		second <- store.db.WithTx(ctx, func(tx *Tx) error {
			_, err := appendChange(ctx, tx, Item{ID: "second", Name: "second", OwnerID: user.UserID}, ChangeCreate, 2)
			return err
		})
	}()
	select {
	case err := <-second:
		t.Fatalf("second append committed while the first was open: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	changes, _ := drainDelta(t, user, cursor, 0)
	assert.Empty(t, changes)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	changes, _ = drainDelta(t, user, cursor, 0)
	require.Len(t, changes, 2)
	assert.Equal(t, "first", changes[0].ItemID)
	assert.Equal(t, "second", changes[1].ItemID)
}
