package relaysync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentworkforce/relaysync/internal/pagination"
)

var changeEngine = pagination.Engine{
	IDField:      "id",
	IDKind:       pagination.KindInt,
	DefaultOrder: pagination.Order{Field: "id", Dir: pagination.Asc},
	DefaultLimit: 200,
	MaxLimit:     1000,
}

// appendChange records a mutation. It only takes a *Tx: a change is never
// written outside the transaction of the item write it describes.
func appendChange(ctx context.Context, tx *Tx, it Item, typ ChangeType, now int64) (Change, error) {
	return appendChangeFor(ctx, tx, it, typ, now, "")
}

// appendChangeFor records a change that only audience sees when audience
// is set.
func appendChangeFor(ctx context.Context, tx *Tx, it Item, typ ChangeType, now int64, audience string) (Change, error) {
	change := Change{
		ItemID:      it.ID,
		ItemName:    it.Name,
		Type:        typ,
		OwnerID:     it.OwnerID,
		ShareID:     it.ShareID,
		UpdatedTime: now,
	}
	if err := tx.lockSequence(ctx); err != nil {
		return Change{}, storageErr("lock change sequence", err)
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO changes (item_id, item_name, type, owner_id, share_id, audience_id, updated_time, created_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		change.ItemID, change.ItemName, string(change.Type), change.OwnerID, change.ShareID, audience, change.UpdatedTime, now,
	).Scan(&change.ID)
	if err != nil {
		return Change{}, storageErr("append change", err)
	}
	return change, nil
}

// revokeItems tells every user in users that items are gone from its view.
// Items a user owns are skipped; the owner keeps seeing them.
func revokeItems(ctx context.Context, tx *Tx, items []Item, users []string, now int64) error {
	for _, user := range users {
		for _, it := range items {
			if it.OwnerID == user {
				continue
			}
			if _, err := appendChangeFor(ctx, tx, it, ChangeDelete, now, user); err != nil {
				return err
			}
		}
	}
	return nil
}

// visibleChangesSQL takes the user id four times.
const visibleChangesSQL = "((audience_id = '' AND (owner_id = ? OR share_id IN (" + visibleSharesSQL + "))) OR audience_id = ?)"

// ChangeLog reads the changes visible to env.UserID: its own and those of
// shares it owns or belongs to.
type ChangeLog struct {
	env Env
}

func NewChangeLog(env Env) *ChangeLog {
	return &ChangeLog{env: env}
}

// Delta returns up to limit changes after cursor, oldest first. Each call
// is an independent read; HasMore=false only means caught up for now.
func (l *ChangeLog) Delta(ctx context.Context, cursor string, limit int) (DeltaPage, error) {
	q, err := changeEngine.Normalize(pagination.Request{Limit: limit, Cursor: cursor})
	if err != nil {
		return DeltaPage{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if q.Order.Dir != pagination.Asc {
		return DeltaPage{}, validationf("delta cursors must be ascending")
	}

	userID := l.env.UserID
	query := "SELECT id, item_id, item_name, type, owner_id, share_id, updated_time FROM changes WHERE " + visibleChangesSQL
	args := []any{userID, userID, userID, userID}
	if where, whereArgs := q.Where(); where != "" {
		query += " AND " + where
		args = append(args, whereArgs...)
	}
	query += " ORDER BY " + q.OrderBy() + " LIMIT ?"
	args = append(args, q.FetchLimit())

	rows, err := l.env.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return DeltaPage{}, storageErr("read delta", err)
	}
	defer rows.Close()
	var changes []Change
	for rows.Next() {
		var c Change
		var typ string
		if err := rows.Scan(&c.ID, &c.ItemID, &c.ItemName, &typ, &c.OwnerID, &c.ShareID, &c.UpdatedTime); err != nil {
			return DeltaPage{}, storageErr("scan change", err)
		}
		c.Type = ChangeType(typ)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return DeltaPage{}, storageErr("read delta", err)
	}

	page := pagination.Slice(q, changes, func(c Change) (string, string) {
		id := strconv.FormatInt(c.ID, 10)
		return id, id
	})
	return DeltaPage{Items: page.Items, Cursor: page.Cursor, HasMore: page.HasMore}, nil
}

// LatestSequence is the highest change id visible to the caller, or 0.
func (l *ChangeLog) LatestSequence(ctx context.Context) (int64, error) {
	userID := l.env.UserID
	var latest int64
	err := l.env.store.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM changes WHERE "+visibleChangesSQL,
		userID, userID, userID, userID).Scan(&latest)
	if err != nil {
		return 0, storageErr("latest sequence", err)
	}
	return latest, nil
}

// Compact drops the history of items whose last change is a delete recorded
// before horizon, keeping that delete. Change ids are never reused, so any
// cursor issued earlier still leads to the terminal delete.
func (s *Store) Compact(ctx context.Context, horizon time.Time) (CompactStats, error) {
	var stats CompactStats
	err := s.db.WithTx(ctx, func(tx *Tx) error {
		locked, err := tx.TryLock(ctx, "compact")
		if err != nil {
			return storageErr("compaction lock", err)
		}
		if !locked {
			s.logger.Debug("compaction already running elsewhere")
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT t.item_id, t.id FROM changes t
			WHERE t.type = ? AND t.created_time < ? AND t.audience_id = ''
			AND t.id = (SELECT MAX(m.id) FROM changes m WHERE m.item_id = t.item_id AND m.audience_id = '')
			AND EXISTS (SELECT 1 FROM changes e WHERE e.item_id = t.item_id AND e.id < t.id AND e.audience_id = '')`,
			string(ChangeDelete), horizon.UTC().UnixMilli())
		if err != nil {
			return storageErr("find compactable changes", err)
		}
		type terminal struct {
			itemID string
			id     int64
		}
		var terminals []terminal
		for rows.Next() {
			var t terminal
			if err := rows.Scan(&t.itemID, &t.id); err != nil {
				rows.Close()
				return storageErr("scan compactable change", err)
			}
			terminals = append(terminals, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return storageErr("find compactable changes", err)
		}
		rows.Close()

		for _, t := range terminals {
			res, err := tx.ExecContext(ctx, "DELETE FROM changes WHERE item_id = ? AND id < ? AND audience_id = ''", t.itemID, t.id)
			if err != nil {
				return storageErr("compact changes", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return storageErr("compact changes", err)
			}
			stats.Items++
			stats.Removed += n
		}
		return nil
	})
	if err != nil {
		return CompactStats{}, err
	}
	return stats, nil
}
