//go:build unix

package mountsync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLockStateFileIsExclusive(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	unlock, err := lockStateFile(stateFile)
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	if _, err := lockStateFile(stateFile); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked while held, got %v", err)
	}
	unlock()
	unlockAgain, err := lockStateFile(stateFile)
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	unlockAgain()
}
