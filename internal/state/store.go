package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ErrCorruptState marks a state file that exists but cannot be decoded.
// The user must remove the file explicitly; no automatic recovery is
// attempted.
var ErrCorruptState = errors.New("corrupt state file")

// Store persists the LoopState document at a fixed path. Writes go to a
// sibling temp file which is fsynced and renamed over the target, so a
// load after a crash returns either the previous or the new document,
// never a partial one.
type Store struct {
	path string
}

// NewStore creates a store for the given state file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the persisted LoopState. Returns (nil, nil) when no state
// file exists, and an ErrCorruptState-wrapped error when the file cannot
// be decoded or carries an incompatible version.
func (s *Store) Load() (*LoopState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st LoopState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: '%s': %v\n\nTry: remove the state file to start fresh", ErrCorruptState, s.path, err)
	}
	if st.Version != StateVersion {
		return nil, fmt.Errorf("%w: '%s': unsupported version %d\n\nTry: remove the state file to start fresh", ErrCorruptState, s.path, st.Version)
	}
	return &st, nil
}

// Save atomically writes the LoopState. Callers must treat an error as
// fatal to the run.
func (s *Store) Save(st *LoopState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	syncDir(dir)
	return nil
}

// Clear removes the state document. Used on normal Completed exit.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	if err := d.Sync(); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("state dir sync failed")
	}
	_ = d.Close()
}
