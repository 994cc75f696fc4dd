package relaysync

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Upload is a request body spooled to a temporary file. It is an
// io.ReadSeeker positioned at the start of the payload; Close removes the
// file.
type Upload struct {
	file   *os.File
	base   string
	path   string
	Size   int64
	SHA256 string
	// Filename and ContentType come from the multipart part headers, if any.
	Filename    string
	ContentType string
}

// SpoolUpload copies r into a new temporary file under dir, hashing it on
// the way. Bodies larger than maxBytes are rejected with ErrValidation.
func SpoolUpload(dir string, r io.Reader, maxBytes int64) (*Upload, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return nil, storageErr("resolve upload directory", err)
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, storageErr("create upload directory", err)
	}
	f, err := os.CreateTemp(base, "upload-*")
	if err != nil {
		return nil, storageErr("create upload file", err)
	}
	u := &Upload{file: f, base: base, path: f.Name()}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), src)
	if err != nil {
		_ = u.Close()
		return nil, storageErr("spool upload", err)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = u.Close()
		return nil, fmt.Errorf("%w: %w: upload exceeds %d bytes", ErrValidation, ErrTooLarge, maxBytes)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = u.Close()
		return nil, storageErr("rewind upload", err)
	}
	u.Size = n
	u.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	return u, nil
}

func (u *Upload) Read(p []byte) (int, error) {
	return u.file.Read(p)
}

func (u *Upload) Seek(offset int64, whence int) (int64, error) {
	return u.file.Seek(offset, whence)
}

func (u *Upload) Path() string {
	return u.path
}

func (u *Upload) Close() error {
	if u == nil || u.file == nil {
		return nil
	}
	closeErr := u.file.Close()
	u.file = nil
	if err := RemoveWithin(u.base, u.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if errors.Is(closeErr, os.ErrClosed) {
		return nil
	}
	return closeErr
}

// RemoveWithin removes path only if it lies strictly inside base.
func RemoveWithin(base, path string) error {
	if !withinBase(base, path) {
		return fmt.Errorf("%w: refusing to remove %s outside %s", ErrValidation, path, base)
	}
	return os.Remove(path)
}

func withinBase(base, path string) bool {
	base, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
