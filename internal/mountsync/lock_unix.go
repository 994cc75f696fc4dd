//go:build unix

package mountsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const lockSuffix = ".lock"

// ErrLocked means another process holds the mirror's state lock.
var ErrLocked = errors.New("mount state is locked by another process")

// lockStateFile takes a non-blocking exclusive flock next to the state file.
func lockStateFile(stateFile string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(stateFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(stateFile+lockSuffix, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", stateFile, ErrLocked)
		}
		return nil, fmt.Errorf("lock %s: %w", stateFile, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
