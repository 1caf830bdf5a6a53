package lib

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"

	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// StateStore persists the last snapshot that was fully acknowledged by the server.
type StateStore struct {
	root string

	mu   sync.Mutex
	lock *flock.Flock
}

// NewStateStore returns a store for the tree rooted at root.
func NewStateStore(root string) *StateStore {
	return &StateStore{
		root: root,
		lock: flock.New(GetLockPath(root)),
	}
}

// Lock takes the exclusive tree lock, failing fast with ErrTreeLocked if
// another process holds it.
func (s *StateStore) Lock() error {
	if _, err := EnsureStateDir(s.root); err != nil {
		return err
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.root, err)
	}
	if !ok {
		return fmt.Errorf("tree %s: %w", s.root, ErrTreeLocked)
	}
	return nil
}

// Unlock releases the tree lock.
func (s *StateStore) Unlock() error {
	return s.lock.Unlock()
}

// Load returns the persisted snapshot. A tree that was never synced yields an
// empty snapshot with generation 0.
func (s *StateStore) Load() (types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StateStore) load() (types.Snapshot, error) {
	content, err := os.ReadFile(GetStatePath(s.root))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.NewSnapshot(), nil
		}
		return types.Snapshot{}, err
	}

	snap := types.NewSnapshot()
	if err := json.Unmarshal(content, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("corrupt state file %s: %w", GetStatePath(s.root), err)
	}
	if snap.Files == nil {
		snap.Files = make(map[string]types.FileRecord)
	}
	return snap, nil
}

// Save atomically replaces the persisted snapshot. The stored generation is
// one greater than the previous one; the saved snapshot is returned.
func (s *StateStore) Save(snap types.Snapshot) (types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.load()
	if err != nil {
		// A corrupt state file is replaced rather than blocking every future sync.
		prev = types.NewSnapshot()
	}

	snap.Generation = prev.Generation + 1
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	if snap.Files == nil {
		snap.Files = make(map[string]types.FileRecord)
	}

	if _, err := EnsureStateDir(s.root); err != nil {
		return types.Snapshot{}, err
	}
	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to marshal state: %w", err)
	}
	err = WriteFileAtomic(GetStatePath(s.root), func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	})
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to write state: %w", err)
	}
	return snap, nil
}
