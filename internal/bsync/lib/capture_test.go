package lib

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	warnings map[string]string
}

func (r *recordingReporter) OnWarning(path, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warnings == nil {
		r.warnings = make(map[string]string)
	}
	r.warnings[path] = reason
}

func (r *recordingReporter) OnProgress(int64, int64) {}

// writeTree creates files (relative slash paths) under root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func TestCapture(t *testing.T) {
	ctx := context.Background()

	t.Run("captures nested regular files with signatures", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"a.txt":         "hello world",
			"dir/b.txt":     "hello world",
			"dir/sub/c.txt": "",
		})

		snap, err := Capture(ctx, root, CaptureOptions{CaseSensitivePaths: true, Reporter: NopReporter{}})
		require.NoError(t, err)

		require.Len(t, snap.Files, 3)
		assert.Equal(t, helloWorldHash, string(snap.Files["a.txt"].Signature))
		assert.Equal(t, helloWorldHash, string(snap.Files["dir/b.txt"].Signature))
		assert.Equal(t, emptyHash, string(snap.Files["dir/sub/c.txt"].Signature))
		assert.Equal(t, int64(11), snap.Files["a.txt"].Size)
		assert.Equal(t, "dir/sub/c.txt", snap.Files["dir/sub/c.txt"].Path)
	})

	t.Run("excludes state directory, git and ignored paths", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"keep.txt":          "keep",
			".bsync/state.json": "{}",
			".git/HEAD":         "ref",
			".bsyncignore":      "*.log\nbuild/\n",
			"debug.log":         "noise",
			"build/out.bin":     "artifact",
		})

		snap, err := Capture(ctx, root, CaptureOptions{CaseSensitivePaths: true, Reporter: NopReporter{}})
		require.NoError(t, err)

		assert.Equal(t, []string{"keep.txt"}, keys(snap.Files))
	})

	t.Run("skips symlinks unless following", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"target.txt": "hello world", "realdir/inner.txt": "x"})
		require.NoError(t, os.Symlink(filepath.Join(root, "target.txt"), filepath.Join(root, "link.txt")))
		require.NoError(t, os.Symlink(filepath.Join(root, "realdir"), filepath.Join(root, "linkdir")))

		snap, err := Capture(ctx, root, CaptureOptions{CaseSensitivePaths: true, Reporter: NopReporter{}})
		require.NoError(t, err)
		assert.Equal(t, []string{"realdir/inner.txt", "target.txt"}, keys(snap.Files))

		snap, err = Capture(ctx, root, CaptureOptions{FollowSymlinks: true, CaseSensitivePaths: true, Reporter: NopReporter{}})
		require.NoError(t, err)
		assert.Equal(t, []string{"link.txt", "realdir/inner.txt", "target.txt"}, keys(snap.Files))
		assert.Equal(t, snap.Files["target.txt"].Signature, snap.Files["link.txt"].Signature)
	})

	t.Run("reports broken symlinks when following", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "dangling")))
		reporter := &recordingReporter{}

		snap, err := Capture(ctx, root, CaptureOptions{FollowSymlinks: true, CaseSensitivePaths: true, Reporter: reporter})
		require.NoError(t, err)

		assert.Empty(t, snap.Files)
		assert.Contains(t, reporter.warnings, "dangling")
	})

	t.Run("keeps the smallest spelling of case-colliding paths", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"Readme.md": "one", "README.md": "two", "other.md": "three"})
		reporter := &recordingReporter{}

		snap, err := Capture(ctx, root, CaptureOptions{CaseSensitivePaths: false, Reporter: reporter})
		require.NoError(t, err)

		assert.Equal(t, []string{"README.md", "other.md"}, keys(snap.Files))
		assert.Contains(t, reporter.warnings, "Readme.md")
	})

	t.Run("fails for a missing root", func(t *testing.T) {
		_, err := Capture(ctx, filepath.Join(t.TempDir(), "nope"), CaptureOptions{Reporter: NopReporter{}})
		assert.Error(t, err)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a"})
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Capture(cancelled, root, CaptureOptions{Reporter: NopReporter{}})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("reuses the fingerprint cache", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})
		fingerprinter, err := NewFingerprinter(16)
		require.NoError(t, err)

		_, err = Capture(ctx, root, CaptureOptions{Fingerprinter: fingerprinter, Reporter: NopReporter{}})
		require.NoError(t, err)
		assert.Equal(t, 2, fingerprinter.Len())
	})
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
