package relaysync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/pagination"
)

const itemColumns = "id, owner_id, name, parent_id, mime_type, content_size, content_sha256, content_key, share_id, created_time, updated_time"

var itemEngine = pagination.Engine{
	Fields: map[string]pagination.FieldKind{
		"name":         pagination.KindString,
		"content_size": pagination.KindInt,
		"mime_type":    pagination.KindString,
		"updated_time": pagination.KindInt,
		"created_time": pagination.KindInt,
	},
	IDField:      "id",
	IDKind:       pagination.KindString,
	DefaultOrder: pagination.Order{Field: "name", Dir: pagination.Asc},
	DefaultLimit: 100,
	MaxLimit:     1000,
}

// itemFields maps projectable columns to the Item field they fill.
var itemFields = map[string]func(*Item) any{
	"id":             func(it *Item) any { return &it.ID },
	"owner_id":       func(it *Item) any { return &it.OwnerID },
	"name":           func(it *Item) any { return &it.Name },
	"parent_id":      func(it *Item) any { return &it.ParentID },
	"mime_type":      func(it *Item) any { return &it.MimeType },
	"content_size":   func(it *Item) any { return &it.ContentSize },
	"content_sha256": func(it *Item) any { return &it.ContentSHA256 },
	"share_id":       func(it *Item) any { return &it.ShareID },
	"created_time":   func(it *Item) any { return &it.CreatedTime },
	"updated_time":   func(it *Item) any { return &it.UpdatedTime },
}

var defaultItemFields = []string{"id", "owner_id", "name", "parent_id", "mime_type", "content_size", "content_sha256", "share_id", "created_time", "updated_time"}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.OwnerID, &it.Name, &it.ParentID, &it.MimeType, &it.ContentSize,
		&it.ContentSHA256, &it.contentKey, &it.ShareID, &it.CreatedTime, &it.UpdatedTime)
	return it, err
}

func getItem(ctx context.Context, q Querier, where string, args ...any) (Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE "+where, args...))
	if err != nil {
		if err = scanNotFound(err); errors.Is(err, ErrNotFound) {
			return Item{}, err
		}
		return Item{}, storageErr("load item", err)
	}
	return it, nil
}

func listItems(ctx context.Context, q Querier, where string, args ...any) ([]Item, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+itemColumns+" FROM items WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("scan item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list items", err)
	}
	return items, nil
}

func rootItem(ownerID string) Item {
	return Item{ID: RootID, OwnerID: ownerID}
}

// ItemModel performs item operations on behalf of env.UserID.
type ItemModel struct {
	env Env
}

func NewItemModel(env Env) *ItemModel {
	return &ItemModel{env: env}
}

// Resolve maps a path or id to an item visible to the caller. Items the
// caller cannot read are reported as ErrNotFound.
func (m *ItemModel) Resolve(ctx context.Context, raw string) (Item, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return Item{}, err
	}
	return m.resolve(ctx, m.env.store.db, p)
}

func (m *ItemModel) resolve(ctx context.Context, q Querier, p ItemPath) (Item, error) {
	switch p.kind {
	case pathRoot:
		return rootItem(m.env.UserID), nil
	case pathName:
		it, err := getItem(ctx, q, "owner_id = ? AND name = ?", m.env.UserID, p.Name)
		if err != nil {
			return Item{}, fmt.Errorf("%s: %w", p, err)
		}
		return it, nil
	default:
		it, err := getItem(ctx, q, "id = ?", p.ID)
		if err != nil {
			return Item{}, fmt.Errorf("%s: %w", p, err)
		}
		if it.OwnerID == m.env.UserID {
			return it, nil
		}
		actor, err := loadActor(ctx, q, m.env.UserID)
		if err != nil {
			return Item{}, err
		}
		if !m.env.store.policy.Check(actor, ActionRead, it.Target(false)).Allowed {
			return Item{}, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return it, nil
	}
}

// CreateOrReplace writes content at raw. Repeating a call with the same
// bytes, path and share only refreshes updated_time and records no change.
func (m *ItemModel) CreateOrReplace(ctx context.Context, raw string, content io.ReadSeeker, opts SaveOptions) (Item, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return Item{}, err
	}
	if p.IsRoot() {
		return Item{}, validationf("cannot write content to the root item")
	}
	if content == nil {
		return Item{}, validationf("missing content")
	}
	size, sha, err := digest(content)
	if err != nil {
		return Item{}, err
	}
	opts.ShareID = strings.TrimSpace(opts.ShareID)

	for attempt := 0; ; attempt++ {
		if _, err := content.Seek(0, io.SeekStart); err != nil {
			return Item{}, storageErr("rewind content", err)
		}
		it, err := m.save(ctx, p, content, size, sha, opts)
		if err != nil && attempt == 0 && m.env.store.db.isUniqueViolation(err) {
			// A concurrent request created the same name; the retry
			// replaces it instead.
			continue
		}
		return it, err
	}
}

func digest(content io.ReadSeeker) (int64, string, error) {
	if u, ok := content.(*Upload); ok {
		return u.Size, u.SHA256, nil
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return 0, "", storageErr("rewind content", err)
	}
	hasher := sha256.New()
	n, err := io.Copy(hasher, content)
	if err != nil {
		return 0, "", storageErr("hash content", err)
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (m *ItemModel) save(ctx context.Context, p ItemPath, content io.Reader, size int64, sha string, opts SaveOptions) (Item, error) {
	store := m.env.store
	now := store.nowMillis()
	var result Item
	err := store.db.withChangeTx(ctx, func(tx *Tx) error {
		actor, err := loadActor(ctx, tx, m.env.UserID)
		if err != nil {
			return err
		}
		existing, err := m.resolve(ctx, tx, p)
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if !found && p.kind == pathID {
			return err
		}

		shareID := opts.ShareID
		if found && shareID == "" {
			shareID = existing.ShareID
		}
		moved := found && shareID != existing.ShareID
		if moved && actor.ID != existing.OwnerID {
			return &DeniedError{Action: ActionUpdate, Reason: "only the owner may move an item between shares"}
		}
		if shareID != "" && (!found || moved) {
			if err := m.checkShareCreate(ctx, tx, actor, shareID); err != nil {
				return err
			}
		}
		name := p.Name
		if found {
			name = existing.Name
		}
		mimeType := strings.TrimSpace(opts.MimeType)
		if mimeType == "" {
			mimeType = detectMimeType(name)
		}

		if found {
			if err := store.policy.Check(actor, ActionUpdate, existing.Target(false)).Err(ActionUpdate); err != nil {
				return err
			}
			if existing.ContentSHA256 == sha && existing.ShareID == shareID && existing.MimeType == mimeType {
				if _, err := tx.ExecContext(ctx, "UPDATE items SET updated_time = ? WHERE id = ?", now, existing.ID); err != nil {
					return storageErr("touch item", err)
				}
				existing.UpdatedTime = now
				result = existing
				return nil
			}
			updated := existing
			updated.MimeType = mimeType
			updated.ContentSize = size
			updated.ContentSHA256 = sha
			updated.ShareID = shareID
			updated.UpdatedTime = now
			updated.contentKey = contentKey(existing.ID, sha)
			if updated.contentKey != existing.contentKey {
				if err := store.content.Put(ctx, tx, updated.contentKey, content); err != nil {
					return err
				}
				if existing.contentKey != "" {
					if err := store.content.Delete(ctx, tx, existing.contentKey); err != nil {
						return err
					}
				}
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE items SET mime_type = ?, content_size = ?, content_sha256 = ?, content_key = ?, share_id = ?, updated_time = ?
				WHERE id = ?`,
				updated.MimeType, updated.ContentSize, updated.ContentSHA256, updated.contentKey, updated.ShareID, updated.UpdatedTime, updated.ID)
			if err != nil {
				return storageErr("update item", err)
			}
			if _, err := appendChange(ctx, tx, updated, ChangeUpdate, now); err != nil {
				return err
			}
			if moved && existing.ShareID != "" {
				if err := revokeMovedItem(ctx, tx, updated, existing.ShareID, now); err != nil {
					return err
				}
			}
			result = updated
			return nil
		}

		created := Item{
			ID:            uuid.NewString(),
			Name:          p.Name,
			OwnerID:       actor.ID,
			MimeType:      mimeType,
			ContentSize:   size,
			ContentSHA256: sha,
			ShareID:       shareID,
			CreatedTime:   now,
			UpdatedTime:   now,
		}
		if err := store.policy.Check(actor, ActionCreate, created.Target(false)).Err(ActionCreate); err != nil {
			return err
		}
		parentID, err := m.parentID(ctx, tx, actor.ID, created.Name)
		if err != nil {
			return err
		}
		created.ParentID = parentID
		created.contentKey = contentKey(created.ID, sha)
		if err := store.content.Put(ctx, tx, created.contentKey, content); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO items ("+itemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			created.ID, created.OwnerID, created.Name, created.ParentID, created.MimeType, created.ContentSize,
			created.ContentSHA256, created.contentKey, created.ShareID, created.CreatedTime, created.UpdatedTime)
		if err != nil {
			return storageErr("insert item", err)
		}
		if _, err := appendChange(ctx, tx, created, ChangeCreate, now); err != nil {
			return err
		}
		result = created
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return result, nil
}

// revokeMovedItem tells the members of oldShareID that it lost it, unless
// they can still see it through its new share.
func revokeMovedItem(ctx context.Context, tx *Tx, it Item, oldShareID string, now int64) error {
	oldShare, err := getShare(ctx, tx, oldShareID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	lost, err := shareMembers(ctx, tx, oldShare)
	if err != nil {
		return err
	}
	if it.ShareID != "" {
		newShare, err := getShare(ctx, tx, it.ShareID)
		if err != nil {
			return err
		}
		kept, err := shareMembers(ctx, tx, newShare)
		if err != nil {
			return err
		}
		lost = slices.DeleteFunc(lost, func(user string) bool { return slices.Contains(kept, user) })
	}
	return revokeItems(ctx, tx, []Item{it}, lost, now)
}

func (m *ItemModel) checkShareCreate(ctx context.Context, q Querier, actor Actor, shareID string) error {
	share, err := getShare(ctx, q, shareID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return validationf("unknown share %q", shareID)
		}
		return err
	}
	target := Target{OwnerID: share.OwnerID, ShareID: share.ID}
	return m.env.store.policy.Check(actor, ActionCreate, target).Err(ActionCreate)
}

func (m *ItemModel) parentID(ctx context.Context, q Querier, ownerID, name string) (string, error) {
	parent := parentName(name)
	if parent == "" {
		return "", nil
	}
	var id string
	err := q.QueryRowContext(ctx, "SELECT id FROM items WHERE owner_id = ? AND name = ?", ownerID, parent).Scan(&id)
	if err != nil {
		if errors.Is(scanNotFound(err), ErrNotFound) {
			return "", nil
		}
		return "", storageErr("load parent", err)
	}
	return id, nil
}

// Delete removes the item at raw. Missing items are a no-op. Deleting the
// root of an owned share also purges the share; the tenant root can only be
// deleted in maintenance mode.
func (m *ItemModel) Delete(ctx context.Context, raw string) error {
	p, err := ParsePath(raw)
	if err != nil {
		return err
	}
	store := m.env.store
	if p.IsRoot() {
		if !store.maintenance {
			return fmt.Errorf("delete %s: %w", RootID, ErrMethodNotAllowed)
		}
		_, err := m.DeleteAll(ctx)
		return err
	}
	now := store.nowMillis()
	return store.db.withChangeTx(ctx, func(tx *Tx) error {
		it, err := m.resolve(ctx, tx, p)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		actor, err := loadActor(ctx, tx, m.env.UserID)
		if err != nil {
			return err
		}
		share, isShareRoot, err := shareRootedAt(ctx, tx, it.ID)
		if err != nil {
			return err
		}
		if err := store.policy.Check(actor, ActionDelete, it.Target(isShareRoot)).Err(ActionDelete); err != nil {
			return err
		}
		if isShareRoot {
			return m.purgeShare(ctx, tx, share, now)
		}
		return m.deleteItem(ctx, tx, it, now)
	})
}

// DeleteAll wipes every item the caller owns, including shares it owns.
func (m *ItemModel) DeleteAll(ctx context.Context) (int, error) {
	store := m.env.store
	now := store.nowMillis()
	deleted := 0
	err := store.db.withChangeTx(ctx, func(tx *Tx) error {
		shares, err := listShares(ctx, tx, "owner_id = ?", m.env.UserID)
		if err != nil {
			return err
		}
		for _, share := range shares {
			n, err := m.purgeShareCount(ctx, tx, share, now)
			if err != nil {
				return err
			}
			deleted += n
		}
		items, err := listItems(ctx, tx, "owner_id = ?", m.env.UserID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := m.deleteItem(ctx, tx, it, now); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.env.store.logger.Info("deleted all items", "user", m.env.UserID, "count", deleted)
	return deleted, nil
}

func (m *ItemModel) purgeShare(ctx context.Context, tx *Tx, share Share, now int64) error {
	_, err := m.purgeShareCount(ctx, tx, share, now)
	return err
}

func (m *ItemModel) purgeShareCount(ctx context.Context, tx *Tx, share Share, now int64) (int, error) {
	items, err := listItems(ctx, tx, "share_id = ?", share.ID)
	if err != nil {
		return 0, err
	}
	members, err := shareMembers(ctx, tx, share)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := m.deleteItem(ctx, tx, it, now); err != nil {
			return 0, err
		}
	}
	// Members see the deletes of items they do not own only through the
	// share, which is about to go.
	if err := revokeItems(ctx, tx, items, members, now); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM share_users WHERE share_id = ?", share.ID); err != nil {
		return 0, storageErr("delete share users", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM shares WHERE id = ?", share.ID); err != nil {
		return 0, storageErr("delete share", err)
	}
	return len(items), nil
}

func (m *ItemModel) deleteItem(ctx context.Context, tx *Tx, it Item, now int64) error {
	if it.contentKey != "" {
		if err := m.env.store.content.Delete(ctx, tx, it.contentKey); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", it.ID); err != nil {
		return storageErr("delete item", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE items SET parent_id = '' WHERE parent_id = ?", it.ID); err != nil {
		return storageErr("unlink children", err)
	}
	it.UpdatedTime = now
	_, err := appendChange(ctx, tx, it, ChangeDelete, now)
	return err
}

// Rename moves the item at raw to newRaw within its owner's namespace.
func (m *ItemModel) Rename(ctx context.Context, raw, newRaw string) (Item, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return Item{}, err
	}
	target, err := ParsePath(newRaw)
	if err != nil {
		return Item{}, err
	}
	if p.IsRoot() || target.kind != pathName {
		return Item{}, validationf("rename needs an item and a root:/name: destination")
	}
	store := m.env.store
	now := store.nowMillis()
	var result Item
	err = store.db.withChangeTx(ctx, func(tx *Tx) error {
		it, err := m.resolve(ctx, tx, p)
		if err != nil {
			return err
		}
		actor, err := loadActor(ctx, tx, m.env.UserID)
		if err != nil {
			return err
		}
		if err := store.policy.Check(actor, ActionUpdate, it.Target(false)).Err(ActionUpdate); err != nil {
			return err
		}
		if it.Name == target.Name {
			result = it
			return nil
		}
		var taken int
		err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE owner_id = ? AND name = ?", it.OwnerID, target.Name).Scan(&taken)
		if err != nil {
			return storageErr("check name", err)
		}
		if taken > 0 {
			return fmt.Errorf("%s: %w", target, ErrConflict)
		}
		parentID, err := m.parentID(ctx, tx, it.OwnerID, target.Name)
		if err != nil {
			return err
		}
		it.Name = target.Name
		it.ParentID = parentID
		it.UpdatedTime = now
		if _, err := tx.ExecContext(ctx, "UPDATE items SET name = ?, parent_id = ?, updated_time = ? WHERE id = ?",
			it.Name, it.ParentID, it.UpdatedTime, it.ID); err != nil {
			return storageErr("rename item", err)
		}
		if _, err := appendChange(ctx, tx, it, ChangeUpdate, now); err != nil {
			return err
		}
		result = it
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return result, nil
}

// Children lists the direct descendants of raw by name prefix. fields
// limits the columns loaded; the id and order column are always included.
func (m *ItemModel) Children(ctx context.Context, raw string, req pagination.Request, fields []string) (pagination.Page[Item], error) {
	p, err := ParsePath(raw)
	if err != nil {
		return pagination.Page[Item]{}, err
	}
	q, err := itemEngine.Normalize(req)
	if err != nil {
		return pagination.Page[Item]{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	columns, err := projectItemColumns(fields, q.Order.Field)
	if err != nil {
		return pagination.Page[Item]{}, err
	}

	db := m.env.store.db
	ownerID := m.env.UserID
	prefix := ""
	if !p.IsRoot() {
		parent, err := m.resolve(ctx, db, p)
		if err != nil {
			return pagination.Page[Item]{}, err
		}
		ownerID = parent.OwnerID
		prefix = parent.Name + "/"
	}

	// substr keeps the prefix match case-sensitive; LIKE is not on SQLite.
	var sb strings.Builder
	sb.WriteString("SELECT " + strings.Join(columns, ", ") + ` FROM items WHERE owner_id = ? AND name NOT LIKE ? ESCAPE '\'`)
	args := []any{ownerID, escapeLike(prefix) + "%/%"}
	if prefix != "" {
		sb.WriteString(" AND substr(name, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(prefix), prefix)
	}
	if ownerID != m.env.UserID {
		sb.WriteString(" AND share_id IN (" + visibleSharesSQL + ")")
		args = append(args, m.env.UserID, m.env.UserID)
	}
	if where, whereArgs := q.Where(); where != "" {
		sb.WriteString(" AND " + where)
		args = append(args, whereArgs...)
	}
	sb.WriteString(" ORDER BY " + q.OrderBy() + " LIMIT ?")
	args = append(args, q.FetchLimit())

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return pagination.Page[Item]{}, storageErr("list children", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		dest := make([]any, len(columns))
		for i, col := range columns {
			dest[i] = itemFields[col](&it)
		}
		if err := rows.Scan(dest...); err != nil {
			return pagination.Page[Item]{}, storageErr("scan child", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[Item]{}, storageErr("list children", err)
	}
	return pagination.Slice(q, items, func(it Item) (string, string) {
		return itemFieldValue(it, q.Order.Field), it.ID
	}), nil
}

func projectItemColumns(fields []string, orderField string) ([]string, error) {
	if len(fields) == 0 {
		return defaultItemFields, nil
	}
	seen := map[string]bool{"id": true}
	columns := []string{"id"}
	for _, f := range append(append([]string(nil), fields...), orderField) {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		if _, ok := itemFields[f]; !ok {
			return nil, validationf("unknown field %q", f)
		}
		seen[f] = true
		columns = append(columns, f)
	}
	return columns, nil
}

func itemFieldValue(it Item, field string) string {
	switch field {
	case "name":
		return it.Name
	case "mime_type":
		return it.MimeType
	case "content_size":
		return strconv.FormatInt(it.ContentSize, 10)
	case "updated_time":
		return strconv.FormatInt(it.UpdatedTime, 10)
	case "created_time":
		return strconv.FormatInt(it.CreatedTime, 10)
	default:
		return it.ID
	}
}

// SerializedContent streams the raw payload of an item obtained from
// Resolve.
func (m *ItemModel) SerializedContent(ctx context.Context, it Item) (io.ReadCloser, error) {
	if it.IsRoot() {
		return nil, validationf("the root item has no content")
	}
	db := m.env.store.db
	if it.OwnerID != m.env.UserID {
		actor, err := loadActor(ctx, db, m.env.UserID)
		if err != nil {
			return nil, err
		}
		if !m.env.store.policy.Check(actor, ActionRead, it.Target(false)).Allowed {
			return nil, fmt.Errorf("%s: %w", it.ID, ErrNotFound)
		}
	}
	if it.contentKey == "" {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return m.env.store.content.Open(ctx, db, it.contentKey)
}
