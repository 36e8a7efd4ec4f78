package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrAlreadyHeld is returned when another run holds the workspace lock.
var ErrAlreadyHeld = errors.New("workspace lock already held")

// lockInfo is written into the lock file for diagnostics.
type lockInfo struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an exclusive advisory lock on a workspace. It is held for the
// lifetime of a run and released on exit.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the workspace lock at path. The lock file is opened
// with create-if-absent, not exclusive create; exclusivity comes from a
// non-blocking flock, so a crashed process leaving a stale file does not
// wedge the workspace.
func AcquireLock(path, runID string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: '%s'\n\nTry: wait for the other run to finish or remove the lock file if it is stale", ErrAlreadyHeld, path)
	}

	info := lockInfo{RunID: runID, PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, _ := json.MarshalIndent(info, "", "  ")
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt(data, 0)
		_ = file.Sync()
	}

	return &Lock{file: file, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
