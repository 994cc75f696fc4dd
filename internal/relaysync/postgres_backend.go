package relaysync

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strings"

	"github.com/lib/pq"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
		content_size BIGINT NOT NULL DEFAULT 0,
		content_sha256 TEXT NOT NULL DEFAULT '',
		content_key TEXT NOT NULL DEFAULT '',
		share_id TEXT NOT NULL DEFAULT '',
		created_time BIGINT NOT NULL,
		updated_time BIGINT NOT NULL,
		UNIQUE (owner_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS items_share_id_idx ON items (share_id)`,
	`CREATE TABLE IF NOT EXISTS item_contents (
		content_key TEXT PRIMARY KEY,
		content BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS changes (
		id BIGSERIAL PRIMARY KEY,
		item_id TEXT NOT NULL,
		item_name TEXT NOT NULL,
		type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		share_id TEXT NOT NULL DEFAULT '',
		audience_id TEXT NOT NULL DEFAULT '',
		updated_time BIGINT NOT NULL,
		created_time BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS changes_owner_id_idx ON changes (owner_id, id)`,
	`CREATE INDEX IF NOT EXISTS changes_share_id_idx ON changes (share_id, id)`,
	`CREATE INDEX IF NOT EXISTS changes_item_id_idx ON changes (item_id, id)`,
	`CREATE INDEX IF NOT EXISTS changes_audience_id_idx ON changes (audience_id, id)`,
	`CREATE TABLE IF NOT EXISTS shares (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		item_id TEXT NOT NULL UNIQUE,
		created_time BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS share_users (
		share_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_time BIGINT NOT NULL,
		PRIMARY KEY (share_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS share_users_user_id_idx ON share_users (user_id)`,
}

func OpenPostgres(ctx context.Context, dsn string) (*Database, error) {
	return openPostgres(ctx, dsn, sql.Open)
}

func openPostgres(ctx context.Context, dsn string, open sqlOpenFunc) (*Database, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, validationf("postgres dsn is required")
	}
	db, err := open("postgres", dsn)
	if err != nil {
		return nil, storageErr("open postgres", err)
	}
	database := NewDatabase(db, DialectPostgres)
	if err := database.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("ping postgres", err)
	}
	return database, nil
}

func postgresIsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func postgresLockKey(namespace, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(namespace)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
