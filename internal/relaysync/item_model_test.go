package relaysync

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/pagination"
)

func TestCreateReadReplaceDelete(t *testing.T) {
	store, clock := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")

	created := mustPut(t, alice, "root:/notebook/note.md:", "hello")
	assert.Equal(t, "notebook/note.md", created.Name)
	assert.Equal(t, "alice", created.OwnerID)
	assert.Equal(t, "text/markdown", created.MimeType)
	assert.Equal(t, int64(5), created.ContentSize)
	assert.Equal(t, "hello", readContent(t, alice, "root:/notebook/note.md:"))

	clock.Advance(time.Second)
	replaced := mustPut(t, alice, "root:/notebook/note.md:", "hello v2")
	assert.Equal(t, created.ID, replaced.ID)
	assert.Equal(t, created.CreatedTime, replaced.CreatedTime)
	assert.Greater(t, replaced.UpdatedTime, created.UpdatedTime)
	assert.Equal(t, "hello v2", readContent(t, alice, created.ID))

	require.NoError(t, alice.Items().Delete(ctx, "root:/notebook/note.md:"))
	_, err := alice.Items().Resolve(ctx, "root:/notebook/note.md:")
	assert.ErrorIs(t, err, ErrNotFound)

	changes, _ := drainDelta(t, alice, "", 0)
	require.Len(t, changes, 3)
	assert.Equal(t, []ChangeType{ChangeCreate, ChangeUpdate, ChangeDelete},
		[]ChangeType{changes[0].Type, changes[1].Type, changes[2].Type})
	for _, c := range changes {
		assert.Equal(t, created.ID, c.ItemID)
	}
}

func TestCreateOrReplaceIsIdempotent(t *testing.T) {
	store, clock := setupTestStore(t, StoreOptions{})
	alice := store.Env("alice")

	first := mustPut(t, alice, "root:/a.txt:", "same bytes")
	clock.Advance(time.Second)
	second := mustPut(t, alice, "root:/a.txt:", "same bytes")

	assert.Equal(t, first.ID, second.ID)
	assert.Greater(t, second.UpdatedTime, first.UpdatedTime)
	assert.Equal(t, 1, countChanges(t, store, first.ID))

	var items int
	require.NoError(t, store.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM items").Scan(&items))
	assert.Equal(t, 1, items)
}

func TestTenantIsolation(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")
	bob := store.Env("bob")

	aliceItem := mustPut(t, alice, "root:/private.md:", "alice only")
	bobItem := mustPut(t, bob, "root:/private.md:", "bob only")
	assert.NotEqual(t, aliceItem.ID, bobItem.ID)

	assert.Equal(t, "alice only", readContent(t, alice, "root:/private.md:"))
	assert.Equal(t, "bob only", readContent(t, bob, "root:/private.md:"))

	_, err := bob.Items().Resolve(ctx, aliceItem.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = bob.Items().CreateOrReplace(ctx, aliceItem.ID, bytes.NewReader([]byte("overwrite")), SaveOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, bob.Items().Delete(ctx, aliceItem.ID))
	assert.Equal(t, "alice only", readContent(t, alice, aliceItem.ID))

	bobChanges, _ := drainDelta(t, bob, "", 0)
	require.Len(t, bobChanges, 1)
	assert.Equal(t, bobItem.ID, bobChanges[0].ItemID)

	page, err := bob.Items().Children(ctx, "root", pagination.Request{}, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, bobItem.ID, page.Items[0].ID)
}

func TestDeleteMissingItemIsNoop(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	alice := store.Env("alice")

	require.NoError(t, alice.Items().Delete(context.Background(), "root:/never/existed.md:"))
	changes, _ := drainDelta(t, alice, "", 0)
	assert.Empty(t, changes)
}

func TestDeleteRootRequiresMaintenanceMode(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	alice := store.Env("alice")
	mustPut(t, alice, "root:/a.md:", "a")

	err := alice.Items().Delete(context.Background(), "root")
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
	assert.Equal(t, "a", readContent(t, alice, "root:/a.md:"))
}

func TestDeleteRootInMaintenanceModeWipesTenant(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{MaintenanceMode: true})
	ctx := context.Background()
	alice := store.Env("alice")
	bob := store.Env("bob")
	mustPut(t, alice, "root:/a.md:", "a")
	mustPut(t, alice, "root:/dir/b.md:", "b")
	bobItem := mustPut(t, bob, "root:/a.md:", "bob")

	require.NoError(t, alice.Items().Delete(ctx, "root"))

	page, err := alice.Items().Children(ctx, "root", pagination.Request{}, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	changes, _ := drainDelta(t, alice, "", 0)
	deletes := 0
	for _, c := range changes {
		if c.Type == ChangeDelete {
			deletes++
		}
	}
	assert.Equal(t, 2, deletes)
	assert.Equal(t, "bob", readContent(t, bob, bobItem.ID))
}

func TestShareRootDeleteIsOwnerOnly(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")
	bob := store.Env("bob")

	folder := mustPut(t, alice, "root:/project:", "")
	doc := mustPut(t, alice, "root:/project/plan.md:", "plan")
	share, err := alice.Shares().Create(ctx, "root:/project:")
	require.NoError(t, err)
	require.NoError(t, alice.Shares().AddRecipient(ctx, share.ID, "bob"))

	err = bob.Items().Delete(ctx, folder.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "share root")

	// Members may still delete ordinary shared items.
	require.NoError(t, bob.Items().Delete(ctx, doc.ID))
	_, err = alice.Items().Resolve(ctx, "root:/project/plan.md:")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, alice.Items().Delete(ctx, "root:/project:"))
	_, err = alice.Shares().Get(ctx, share.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSharedItemsAreReadableByRecipients(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")
	bob := store.Env("bob")

	mustPut(t, alice, "root:/project:", "")
	share, err := alice.Shares().Create(ctx, "root:/project:")
	require.NoError(t, err)

	doc := mustPut(t, alice, "root:/project/plan.md:", "plan")
	assert.Empty(t, doc.ShareID, "names outside a share call are not shared implicitly")

	doc, err = alice.Items().CreateOrReplace(ctx, doc.ID, bytes.NewReader([]byte("plan")), SaveOptions{ShareID: share.ID})
	require.NoError(t, err)
	assert.Equal(t, share.ID, doc.ShareID)

	_, err = bob.Items().Resolve(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, alice.Shares().AddRecipient(ctx, share.ID, "bob"))
	assert.Equal(t, "plan", readContent(t, bob, doc.ID))

	updated, err := bob.Items().CreateOrReplace(ctx, doc.ID, bytes.NewReader([]byte("plan v2")), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.OwnerID)
	assert.Equal(t, "plan v2", readContent(t, alice, "root:/project/plan.md:"))

	page, err := bob.Items().Children(ctx, "root:/project:", pagination.Request{}, nil)
	assert.ErrorIs(t, err, ErrNotFound, "names resolve in the caller's own namespace")
	assert.Empty(t, page.Items)

	folder, err := alice.Items().Resolve(ctx, "root:/project:")
	require.NoError(t, err)
	page, err = bob.Items().Children(ctx, folder.ID, pagination.Request{}, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, doc.ID, page.Items[0].ID)
}

func TestCreateInUnknownShareIsValidationError(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	_, err := store.Env("alice").Items().CreateOrReplace(context.Background(), "root:/x.md:",
		bytes.NewReader([]byte("x")), SaveOptions{ShareID: "missing"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWriteToRootIsRejected(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	_, err := store.Env("alice").Items().CreateOrReplace(context.Background(), "root", bytes.NewReader(nil), SaveOptions{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateLinksParent(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	alice := store.Env("alice")
	folder := mustPut(t, alice, "root:/docs:", "")
	child := mustPut(t, alice, "root:/docs/a.md:", "a")
	orphan := mustPut(t, alice, "root:/other/b.md:", "b")

	assert.Equal(t, folder.ID, child.ParentID)
	assert.Empty(t, orphan.ParentID)
	assert.Empty(t, folder.ParentID)
}

func TestRename(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")
	it := mustPut(t, alice, "root:/draft.md:", "draft")
	mustPut(t, alice, "root:/taken.md:", "taken")

	renamed, err := alice.Items().Rename(ctx, "root:/draft.md:", "root:/final.md:")
	require.NoError(t, err)
	assert.Equal(t, it.ID, renamed.ID)
	assert.Equal(t, "final.md", renamed.Name)
	assert.Equal(t, "draft", readContent(t, alice, "root:/final.md:"))

	_, err = alice.Items().Resolve(ctx, "root:/draft.md:")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = alice.Items().Rename(ctx, "root:/final.md:", "root:/taken.md:")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = alice.Items().Rename(ctx, "root:/final.md:", it.ID)
	assert.ErrorIs(t, err, ErrValidation)

	changes, _ := drainDelta(t, alice, "", 0)
	last := changes[len(changes)-1]
	assert.Equal(t, ChangeUpdate, last.Type)
	assert.Equal(t, "final.md", last.ItemName)
}

func TestChildrenListsDirectDescendantsOnly(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")
	mustPut(t, alice, "root:/docs:", "")
	mustPut(t, alice, "root:/docs/a.md:", "a")
	mustPut(t, alice, "root:/docs/b.md:", "b")
	mustPut(t, alice, "root:/docs/deep/c.md:", "c")
	mustPut(t, alice, "root:/Docs/upper.md:", "upper")
	mustPut(t, alice, "root:/docs_100%/d.md:", "d")

	page, err := alice.Items().Children(ctx, "root:/docs:", pagination.Request{}, nil)
	require.NoError(t, err)
	var names []string
	for _, it := range page.Items {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"docs/a.md", "docs/b.md"}, names)
	assert.False(t, page.HasMore)

	page, err = alice.Items().Children(ctx, "root", pagination.Request{}, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "docs", page.Items[0].Name)
}

func TestChildrenPaginationAndProjection(t *testing.T) {
	store, clock := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")
	for _, name := range []string{"e", "a", "d", "b", "c"} {
		mustPut(t, alice, "root:/"+name+".txt:", name+name)
		clock.Advance(time.Millisecond)
	}

	var seen []string
	req := pagination.Request{Order: pagination.Order{Field: "name", Dir: pagination.Desc}, Limit: 2}
	for i := 0; i < 10; i++ {
		page, err := alice.Items().Children(ctx, "root", req, []string{"name"})
		require.NoError(t, err)
		for _, it := range page.Items {
			seen = append(seen, it.Name)
			assert.NotEmpty(t, it.ID)
			assert.Zero(t, it.ContentSize, "unprojected fields stay empty")
		}
		if !page.HasMore {
			break
		}
		req = pagination.Request{Limit: 2, Cursor: page.Cursor}
	}
	assert.Equal(t, []string{"e.txt", "d.txt", "c.txt", "b.txt", "a.txt"}, seen)

	page, err := alice.Items().Children(ctx, "root",
		pagination.Request{Order: pagination.Order{Field: "updated_time", Dir: pagination.Asc}, Limit: 1}, []string{"content_size"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(2), page.Items[0].ContentSize)
	assert.Equal(t, "", page.Items[0].Name)
	assert.True(t, page.HasMore)

	_, err = alice.Items().Children(ctx, "root", pagination.Request{}, []string{"password"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = alice.Items().Children(ctx, "root", pagination.Request{Order: pagination.Order{Field: "owner_id"}}, nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = alice.Items().Children(ctx, "root", pagination.Request{Cursor: "!!"}, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFileContentStoreBackedItems(t *testing.T) {
	contentRoot := t.TempDir()
	fs, err := NewFileContentStore(contentRoot)
	require.NoError(t, err)
	store, _ := setupTestStore(t, StoreOptions{Content: fs})
	ctx := context.Background()
	alice := store.Env("alice")

	it := mustPut(t, alice, "root:/f.bin:", "one")
	mustPut(t, alice, "root:/f.bin:", "two")
	assert.Equal(t, "two", readContent(t, alice, it.ID))
	assert.NoFileExists(t, fs.Root()+"/"+contentKey(it.ID, it.ContentSHA256))

	require.NoError(t, alice.Items().Delete(ctx, it.ID))
	entries, err := listFiles(contentRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecipientCannotMoveItemIntoAnotherShare(t *testing.T) {
	store, _ := setupTestStore(t, StoreOptions{})
	ctx := context.Background()
	alice := store.Env("alice")
	bob := store.Env("bob")
	carol := store.Env("carol")

	mustPut(t, alice, "root:/proj:", "")
	secret := mustPut(t, alice, "root:/proj/secret.md:", "alice only")
	aliceShare, err := alice.Shares().Create(ctx, "root:/proj:")
	require.NoError(t, err)
	require.NoError(t, alice.Shares().AddRecipient(ctx, aliceShare.ID, "bob"))

	mustPut(t, bob, "root:/bobs:", "")
	bobShare, err := bob.Shares().Create(ctx, "root:/bobs:")
	require.NoError(t, err)
	require.NoError(t, bob.Shares().AddRecipient(ctx, bobShare.ID, "carol"))

	_, err = bob.Items().CreateOrReplace(ctx, secret.ID, bytes.NewReader([]byte("alice only")), SaveOptions{ShareID: bobShare.ID})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = carol.Items().Resolve(ctx, secret.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := alice.Items().Resolve(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, aliceShare.ID, got.ShareID)

	_, err = bob.Items().CreateOrReplace(ctx, secret.ID, bytes.NewReader([]byte("edited")), SaveOptions{})
	require.NoError(t, err, "members may still edit content in place")
	assert.Equal(t, "edited", readContent(t, alice, secret.ID))
}
