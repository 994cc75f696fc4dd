//go:build !unix

package mountsync

import "errors"

const lockSuffix = ".lock"

var ErrLocked = errors.New("mount state is locked by another process")

// lockStateFile is a no-op where flock is unavailable.
func lockStateFile(string) (func(), error) {
	return func() {}, nil
}
