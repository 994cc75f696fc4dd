package relaysync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ContentStore keeps item payloads addressed by an opaque key. Writes and
// deletes take the enclosing metadata transaction so a driver can either
// join it or attach commit/rollback hooks.
type ContentStore interface {
	Put(ctx context.Context, tx *Tx, key string, r io.Reader) error
	Open(ctx context.Context, q Querier, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, tx *Tx, key string) error
}

func contentKey(itemID, sha string) string {
	return itemID + "/" + sha
}

// DatabaseContentStore stores payloads in the item_contents table, inside
// the metadata transaction.
type DatabaseContentStore struct{}

func NewDatabaseContentStore() *DatabaseContentStore {
	return &DatabaseContentStore{}
}

func (DatabaseContentStore) Put(ctx context.Context, tx *Tx, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return storageErr("read content", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO item_contents (content_key, content) VALUES (?, ?)
		ON CONFLICT (content_key) DO UPDATE SET content = EXCLUDED.content`, key, data)
	return storageErr("write content", err)
}

func (DatabaseContentStore) Open(ctx context.Context, q Querier, key string) (io.ReadCloser, error) {
	var data []byte
	err := q.QueryRowContext(ctx, "SELECT content FROM item_contents WHERE content_key = ?", key).Scan(&data)
	if err != nil {
		if err = scanNotFound(err); errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storageErr("read content", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (DatabaseContentStore) Delete(ctx context.Context, tx *Tx, key string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM item_contents WHERE content_key = ?", key)
	return storageErr("delete content", err)
}

// FileContentStore writes each payload once under root/<key>. A write made
// for a transaction that rolls back is removed again, and deletes only
// happen after commit, so a failed operation never leaves an orphan file.
type FileContentStore struct {
	root   string
	logger *slog.Logger

	mu sync.Mutex
	// pending tracks keys written by transactions that have not finished.
	pending map[string]*pendingContent
}

// pendingContent counts the open transactions relying on one written key.
// The file is removed when the last of them finishes and none committed.
type pendingContent struct {
	refs      int
	committed bool
}

func NewFileContentStore(root string) (*FileContentStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, validationf("content root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, storageErr("resolve content root", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, storageErr("create content root", err)
	}
	return &FileContentStore{root: abs, logger: slog.Default(), pending: make(map[string]*pendingContent)}, nil
}

func (s *FileContentStore) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *FileContentStore) Root() string {
	return s.root
}

func (s *FileContentStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", validationf("invalid content key %q", key)
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if !withinBase(s.root, full) {
		return "", validationf("content key %q escapes root", key)
	}
	return full, nil
}

func (s *FileContentStore) Put(ctx context.Context, tx *Tx, key string, r io.Reader) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok {
		p.refs++
		s.track(tx, key, full, p)
		return nil
	}
	if _, err := os.Stat(full); err == nil {
		// Keys embed the content hash, so a committed file already holds
		// these bytes.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return storageErr("create content directory", err)
	}
	if err := writeFileAtomic(full, r, 0o600); err != nil {
		return storageErr("write content", err)
	}
	p := &pendingContent{refs: 1}
	s.pending[key] = p
	s.track(tx, key, full, p)
	return nil
}

func (s *FileContentStore) track(tx *Tx, key, full string, p *pendingContent) {
	tx.OnCommit(func() { s.release(key, full, p, true) })
	tx.OnRollback(func() { s.release(key, full, p, false) })
}

func (s *FileContentStore) release(key, full string, p *pendingContent, committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.refs--
	p.committed = p.committed || committed
	if p.refs > 0 {
		return
	}
	delete(s.pending, key)
	if p.committed {
		return
	}
	if err := RemoveWithin(s.root, full); err != nil {
		s.logger.Warn("remove content after rollback failed", "key", key, "err", err)
	}
}

func (s *FileContentStore) Open(_ context.Context, _ Querier, key string) (io.ReadCloser, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("content %s: %w", key, ErrNotFound)
		}
		return nil, storageErr("open content", err)
	}
	return f, nil
}

func (s *FileContentStore) Delete(_ context.Context, tx *Tx, key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	tx.OnCommit(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.pending[key]; ok {
			return
		}
		if err := RemoveWithin(s.root, full); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove superseded content failed", "key", key, "err", err)
		}
		_ = os.Remove(filepath.Dir(full))
	})
	return nil
}

func writeFileAtomic(path string, r io.Reader, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
