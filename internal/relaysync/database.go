package relaysync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const operationTimeout = 5 * time.Second

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Database wraps a *sql.DB with the dialect differences the models need:
// placeholder style, schema DDL, unique-violation detection and locking.
type Database struct {
	db      *sql.DB
	dialect Dialect
}

func NewDatabase(db *sql.DB, dialect Dialect) *Database {
	return &Database{db: db, dialect: dialect}
}

func (d *Database) Dialect() Dialect {
	return d.dialect
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (d *Database) EnsureSchema(ctx context.Context) error {
	var statements []string
	switch d.dialect {
	case DialectPostgres:
		statements = postgresSchema
	case DialectSQLite:
		statements = sqliteSchema
	default:
		return fmt.Errorf("%w: dialect %s", ErrNotImplemented, d.dialect)
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("ensure schema", err)
		}
	}
	return nil
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (d *Database) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.Rebind(query), args...)
}

func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.Rebind(query), args...)
}

func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.Rebind(query), args...)
}

func (d *Database) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	switch d.dialect {
	case DialectPostgres:
		return postgresIsUniqueViolation(err)
	case DialectSQLite:
		return sqliteIsUniqueViolation(err)
	}
	return false
}

// Querier is satisfied by both *Database and *Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a single-use transaction. Hooks registered with OnCommit and
// OnRollback run after the outcome is known, in registration order.
type Tx struct {
	tx         *sql.Tx
	db         *Database
	onCommit   []func()
	onRollback []func()
	// sequenced is set once the change sequence lock is held.
	sequenced bool
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.Rebind(query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.db.Rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.Rebind(query), args...)
}

func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *Tx) OnRollback(fn func()) {
	t.onRollback = append(t.onRollback, fn)
}

// TryLock takes a transaction-scoped lock named key. It reports false when
// another transaction holds it.
func (t *Tx) TryLock(ctx context.Context, key string) (bool, error) {
	switch t.db.dialect {
	case DialectPostgres:
		var ok bool
		if err := t.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock(?)", postgresLockKey("relaysync", key)).Scan(&ok); err != nil {
			return false, err
		}
		return ok, nil
	default:
		// SQLite serialises writers on a single connection.
		return true, nil
	}
}

// lockSequence serialises change appends until the transaction ends, so
// change ids become visible in allocation order. SQLite already has a
// single writer.
func (t *Tx) lockSequence(ctx context.Context) error {
	if t.sequenced {
		return nil
	}
	if t.db.dialect == DialectPostgres {
		if _, err := t.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", postgresLockKey("relaysync", "change-sequence")); err != nil {
			return err
		}
	}
	t.sequenced = true
	return nil
}

// withChangeTx runs fn in a transaction that holds the change sequence lock
// from the start, before any row lock.
func (d *Database) withChangeTx(ctx context.Context, fn func(tx *Tx) error) error {
	return d.WithTx(ctx, func(tx *Tx) error {
		if err := tx.lockSequence(ctx); err != nil {
			return storageErr("lock change sequence", err)
		}
		return fn(tx)
	})
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (d *Database) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	tx := &Tx{tx: sqlTx, db: d}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = sqlTx.Rollback()
		for _, hook := range tx.onRollback {
			hook()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	committed = true
	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

func scanNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
