package relaysync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
		content_size INTEGER NOT NULL DEFAULT 0,
		content_sha256 TEXT NOT NULL DEFAULT '',
		content_key TEXT NOT NULL DEFAULT '',
		share_id TEXT NOT NULL DEFAULT '',
		created_time INTEGER NOT NULL,
		updated_time INTEGER NOT NULL,
		UNIQUE (owner_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS items_share_id_idx ON items (share_id)`,
	`CREATE TABLE IF NOT EXISTS item_contents (
		content_key TEXT PRIMARY KEY,
		content BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		item_name TEXT NOT NULL,
		type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		share_id TEXT NOT NULL DEFAULT '',
		audience_id TEXT NOT NULL DEFAULT '',
		updated_time INTEGER NOT NULL,
		created_time INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS changes_owner_id_idx ON changes (owner_id, id)`,
	`CREATE INDEX IF NOT EXISTS changes_share_id_idx ON changes (share_id, id)`,
	`CREATE INDEX IF NOT EXISTS changes_item_id_idx ON changes (item_id, id)`,
	`CREATE INDEX IF NOT EXISTS changes_audience_id_idx ON changes (audience_id, id)`,
	`CREATE TABLE IF NOT EXISTS shares (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		item_id TEXT NOT NULL UNIQUE,
		created_time INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS share_users (
		share_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_time INTEGER NOT NULL,
		PRIMARY KEY (share_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS share_users_user_id_idx ON share_users (user_id)`,
}

// OpenSQLite opens a database file, creating its directory if needed.
func OpenSQLite(ctx context.Context, path string) (*Database, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, validationf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, storageErr("create sqlite directory", err)
		}
	}
	return openSQLite(ctx, path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
}

// OpenSQLiteMemory opens a private in-memory database. It lives as long as
// the returned handle.
func OpenSQLiteMemory(ctx context.Context) (*Database, error) {
	name := "relaysync-" + uuid.NewString()
	return openSQLite(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name))
}

func openSQLite(ctx context.Context, dsn string) (*Database, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}
	// One connection serialises writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	database := NewDatabase(db, DialectSQLite)
	if err := database.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("ping sqlite", err)
	}
	return database, nil
}

func sqliteIsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
