package lib

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

func sampleSnapshot() types.Snapshot {
	snap := types.NewSnapshot()
	snap.Files["a.txt"] = types.FileRecord{
		Path:      "a.txt",
		Size:      11,
		ModTime:   time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
		Signature: GetSignature([]byte("hello world")),
	}
	snap.Files["dir/b.txt"] = types.FileRecord{
		Path:      "dir/b.txt",
		Size:      0,
		ModTime:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Signature: GetSignature(nil),
	}
	return snap
}

func TestStateStore(t *testing.T) {
	t.Run("should return an empty snapshot for a fresh tree", func(t *testing.T) {
		store := NewStateStore(t.TempDir())

		snap, err := store.Load()
		require.NoError(t, err)

		assert.Empty(t, snap.Files)
		assert.NotNil(t, snap.Files)
		assert.Equal(t, int64(0), snap.Generation)
	})

	t.Run("should round-trip a saved snapshot", func(t *testing.T) {
		store := NewStateStore(t.TempDir())
		original := sampleSnapshot()

		saved, err := store.Save(original)
		require.NoError(t, err)

		loaded, err := store.Load()
		require.NoError(t, err)

		assert.Equal(t, saved.Generation, loaded.Generation)
		require.Len(t, loaded.Files, 2)
		for path, rec := range original.Files {
			got := loaded.Files[path]
			assert.Equal(t, rec.Signature, got.Signature)
			assert.Equal(t, rec.Size, got.Size)
			assert.True(t, rec.ModTime.Equal(got.ModTime), "mtime for %s should survive persistence", path)
		}
	})

	t.Run("should increment the generation on each save", func(t *testing.T) {
		store := NewStateStore(t.TempDir())

		first, err := store.Save(sampleSnapshot())
		require.NoError(t, err)
		second, err := store.Save(sampleSnapshot())
		require.NoError(t, err)

		assert.Equal(t, int64(1), first.Generation)
		assert.Equal(t, int64(2), second.Generation)
	})

	t.Run("should report a corrupt state file", func(t *testing.T) {
		root := t.TempDir()
		_, err := EnsureStateDir(root)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(GetStatePath(root), []byte("{not json"), 0644))

		_, err = NewStateStore(root).Load()
		assert.Error(t, err)
	})

	t.Run("should refuse a second lock holder", func(t *testing.T) {
		root := t.TempDir()
		first := NewStateStore(root)
		second := NewStateStore(root)

		require.NoError(t, first.Lock())
		defer first.Unlock()

		err := second.Lock()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTreeLocked))
	})
}
