package syncrun

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked means another sync holds the checkpoint lock: a cron overrun or
// a concurrent manual run. The new invocation must bail, not queue.
var ErrLocked = errors.New("syncrun: another sync is already running")

// Checkpoint records the last successfully loaded page per entity so a
// crashed sync resumes instead of re-pulling everything. It is deleted on
// clean completion.
type Checkpoint struct {
	Pages map[string]int `json:"pages"`
}

type CheckpointManager struct {
	path string
	lock *flock.Flock
}

func NewCheckpointManager(path string) *CheckpointManager {
	return &CheckpointManager{path: path, lock: flock.New(path + ".lock")}
}

// Acquire takes the single-runner lock without blocking.
func (m *CheckpointManager) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	ok, err := m.lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (m *CheckpointManager) Release() error { return m.lock.Unlock() }

// Load reads the checkpoint left by a crashed run, if any.
func (m *CheckpointManager) Load() (Checkpoint, error) {
	cp := Checkpoint{Pages: map[string]int{}}
	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, nil
		}
		return cp, err
	}
	if err := json.Unmarshal(b, &cp); err != nil {
		// A corrupt checkpoint restarts from scratch rather than guessing.
		return Checkpoint{Pages: map[string]int{}}, nil
	}
	if cp.Pages == nil {
		cp.Pages = map[string]int{}
	}
	return cp, nil
}

// Save persists the checkpoint atomically (write-then-rename).
func (m *CheckpointManager) Save(cp Checkpoint) error {
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Clear removes the checkpoint after a successful run.
func (m *CheckpointManager) Clear() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
