package relaysync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const shareColumns = "id, owner_id, item_id, created_time"

func scanShare(row rowScanner) (Share, error) {
	var sh Share
	err := row.Scan(&sh.ID, &sh.OwnerID, &sh.ItemID, &sh.CreatedTime)
	return sh, err
}

func getShare(ctx context.Context, q Querier, shareID string) (Share, error) {
	sh, err := scanShare(q.QueryRowContext(ctx, "SELECT "+shareColumns+" FROM shares WHERE id = ?", shareID))
	if err != nil {
		if err = scanNotFound(err); errors.Is(err, ErrNotFound) {
			return Share{}, fmt.Errorf("share %s: %w", shareID, err)
		}
		return Share{}, storageErr("load share", err)
	}
	return sh, nil
}

func listShares(ctx context.Context, q Querier, where string, args ...any) ([]Share, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+shareColumns+" FROM shares WHERE "+where+" ORDER BY created_time, id", args...)
	if err != nil {
		return nil, storageErr("list shares", err)
	}
	defer rows.Close()
	var shares []Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, storageErr("scan share", err)
		}
		shares = append(shares, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list shares", err)
	}
	return shares, nil
}

// shareRootedAt reports the share whose root is itemID, if any.
func shareRootedAt(ctx context.Context, q Querier, itemID string) (Share, bool, error) {
	sh, err := scanShare(q.QueryRowContext(ctx, "SELECT "+shareColumns+" FROM shares WHERE item_id = ?", itemID))
	if err != nil {
		if errors.Is(scanNotFound(err), ErrNotFound) {
			return Share{}, false, nil
		}
		return Share{}, false, storageErr("load share root", err)
	}
	return sh, true, nil
}

func listRecipients(ctx context.Context, q Querier, shareID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT user_id FROM share_users WHERE share_id = ? ORDER BY user_id", shareID)
	if err != nil {
		return nil, storageErr("list recipients", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, storageErr("scan recipient", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list recipients", err)
	}
	return users, nil
}

// shareMembers lists everyone who sees items through sh: its owner and its
// recipients.
func shareMembers(ctx context.Context, q Querier, sh Share) ([]string, error) {
	recipients, err := listRecipients(ctx, q, sh.ID)
	if err != nil {
		return nil, err
	}
	return append([]string{sh.OwnerID}, recipients...), nil
}

// ShareModel manages shares on behalf of env.UserID.
type ShareModel struct {
	env Env
}

func NewShareModel(env Env) *ShareModel {
	return &ShareModel{env: env}
}

// Create shares the item at raw and everything below it. Sharing an item
// that is already a share root returns the existing share.
func (m *ShareModel) Create(ctx context.Context, raw string) (Share, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return Share{}, err
	}
	if p.IsRoot() {
		return Share{}, validationf("the root item cannot be shared")
	}
	store := m.env.store
	now := store.nowMillis()
	var result Share
	err = store.db.withChangeTx(ctx, func(tx *Tx) error {
		it, err := NewItemModel(m.env).resolve(ctx, tx, p)
		if err != nil {
			return err
		}
		if it.OwnerID != m.env.UserID {
			return &DeniedError{Action: ActionUpdate, Reason: "only the owner may share an item"}
		}
		if existing, ok, err := shareRootedAt(ctx, tx, it.ID); err != nil {
			return err
		} else if ok {
			result = existing
			return nil
		}
		if it.ShareID != "" {
			return validationf("item already belongs to share %s", it.ShareID)
		}

		share := Share{ID: uuid.NewString(), OwnerID: it.OwnerID, ItemID: it.ID, CreatedTime: now}
		if _, err := tx.ExecContext(ctx, "INSERT INTO shares ("+shareColumns+") VALUES (?, ?, ?, ?)",
			share.ID, share.OwnerID, share.ItemID, share.CreatedTime); err != nil {
			return storageErr("insert share", err)
		}
		members, err := listItems(ctx, tx, `owner_id = ? AND share_id = '' AND (id = ? OR substr(name, 1, ?) = ?)`,
			it.OwnerID, it.ID, len([]rune(it.Name))+1, it.Name+"/")
		if err != nil {
			return err
		}
		for _, member := range members {
			member.ShareID = share.ID
			member.UpdatedTime = now
			if _, err := tx.ExecContext(ctx, "UPDATE items SET share_id = ?, updated_time = ? WHERE id = ?", share.ID, now, member.ID); err != nil {
				return storageErr("assign share", err)
			}
			if _, err := appendChange(ctx, tx, member, ChangeUpdate, now); err != nil {
				return err
			}
		}
		result = share
		return nil
	})
	if err != nil {
		return Share{}, err
	}
	return result, nil
}

// Get returns a share the caller owns or belongs to.
func (m *ShareModel) Get(ctx context.Context, shareID string) (Share, error) {
	db := m.env.store.db
	sh, err := getShare(ctx, db, shareID)
	if err != nil {
		return Share{}, err
	}
	actor, err := loadActor(ctx, db, m.env.UserID)
	if err != nil {
		return Share{}, err
	}
	if !actor.InShare(sh.ID) {
		return Share{}, fmt.Errorf("share %s: %w", shareID, ErrNotFound)
	}
	if sh.OwnerID == m.env.UserID {
		if sh.Recipients, err = listRecipients(ctx, db, sh.ID); err != nil {
			return Share{}, err
		}
	}
	return sh, nil
}

// List returns the shares the caller owns or belongs to. Recipients are
// filled in for owned shares only.
func (m *ShareModel) List(ctx context.Context) ([]Share, error) {
	db := m.env.store.db
	userID := m.env.UserID
	shares, err := listShares(ctx, db, "owner_id = ? OR id IN (SELECT share_id FROM share_users WHERE user_id = ?)", userID, userID)
	if err != nil {
		return nil, err
	}
	for i := range shares {
		if shares[i].OwnerID != userID {
			continue
		}
		if shares[i].Recipients, err = listRecipients(ctx, db, shares[i].ID); err != nil {
			return nil, err
		}
	}
	if shares == nil {
		shares = []Share{}
	}
	return shares, nil
}

// AddRecipient grants userID access to the share. Only the owner may do so;
// adding an existing recipient is a no-op.
func (m *ShareModel) AddRecipient(ctx context.Context, shareID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return validationf("recipient is required")
	}
	store := m.env.store
	now := store.nowMillis()
	return store.db.WithTx(ctx, func(tx *Tx) error {
		sh, err := m.ownedShare(ctx, tx, shareID)
		if err != nil {
			return err
		}
		if userID == sh.OwnerID {
			return validationf("the owner cannot be a recipient of its own share")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO share_users (share_id, user_id, created_time) VALUES (?, ?, ?)
			ON CONFLICT (share_id, user_id) DO NOTHING`, sh.ID, userID, now)
		return storageErr("add recipient", err)
	})
}

// RemoveRecipient revokes access. The owner may remove anyone; a recipient
// may remove itself.
func (m *ShareModel) RemoveRecipient(ctx context.Context, shareID, userID string) error {
	store := m.env.store
	return store.db.withChangeTx(ctx, func(tx *Tx) error {
		sh, err := getShare(ctx, tx, shareID)
		if err != nil {
			return err
		}
		if sh.OwnerID != m.env.UserID && userID != m.env.UserID {
			actor, err := loadActor(ctx, tx, m.env.UserID)
			if err != nil {
				return err
			}
			if !actor.InShare(sh.ID) {
				return fmt.Errorf("share %s: %w", shareID, ErrNotFound)
			}
			return &DeniedError{Action: ActionUpdate, Reason: "only the owner may remove other recipients"}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM share_users WHERE share_id = ? AND user_id = ?", sh.ID, userID)
		if err != nil {
			return storageErr("remove recipient", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr("remove recipient", err)
		} else if n == 0 {
			return nil
		}
		items, err := listItems(ctx, tx, "share_id = ?", sh.ID)
		if err != nil {
			return err
		}
		return revokeItems(ctx, tx, items, []string{userID}, store.nowMillis())
	})
}

func (m *ShareModel) ownedShare(ctx context.Context, q Querier, shareID string) (Share, error) {
	sh, err := getShare(ctx, q, shareID)
	if err != nil {
		return Share{}, err
	}
	if sh.OwnerID == m.env.UserID {
		return sh, nil
	}
	actor, err := loadActor(ctx, q, m.env.UserID)
	if err != nil {
		return Share{}, err
	}
	if !actor.InShare(sh.ID) {
		return Share{}, fmt.Errorf("share %s: %w", shareID, ErrNotFound)
	}
	return Share{}, &DeniedError{Action: ActionUpdate, Reason: "only the owner may manage recipients"}
}

// Memberships lists the ids of every share the caller owns or belongs to.
func (m *ShareModel) Memberships(ctx context.Context) ([]string, error) {
	actor, err := loadActor(ctx, m.env.store.db, m.env.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(actor.Shares))
	for id := range actor.Shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
