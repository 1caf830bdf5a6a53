package commands_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/bsync-go/internal/bsync/commands"
	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/server"
)

// setupEnv starts an in-process server and returns a command environment
// connected to it, plus a tree with one file.
func setupEnv(t *testing.T) (commands.Env, *server.Server, *bytes.Buffer, string) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ReclaimInterval = 0
	cfg.ReclaimGrace = 0
	require.NoError(t, cfg.Validate())

	srv, err := server.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	out := &bytes.Buffer{}
	env := commands.Env{
		Config: cfg,
		Out:    out,
		Dial: func(ctx context.Context) (net.Conn, error) {
			c1, c2 := net.Pipe()
			go srv.ServeConn(context.Background(), c2)
			return c1, nil
		},
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.txt"), []byte("hello world"), 0644))
	return env, srv, out, dir
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSyncAndStatus(t *testing.T) {
	env, _, out, dir := setupEnv(t)
	ctx := testContext(t)

	require.NoError(t, commands.Status(ctx, env, dir))
	assert.Contains(t, out.String(), "has never been synced")
	assert.Contains(t, out.String(), "A test.txt (11 B)")
	out.Reset()

	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))
	assert.Contains(t, out.String(), "1 added, 0 modified, 0 moved, 0 removed")
	assert.Contains(t, out.String(), "Sync complete (generation 1): 1 uploaded")
	out.Reset()

	require.NoError(t, commands.Status(ctx, env, dir))
	assert.Contains(t, out.String(), "Last synced generation 1")
	assert.Contains(t, out.String(), "Nothing to sync.")
	out.Reset()

	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))
	assert.Contains(t, out.String(), "Already up to date (generation 1)")
}

func TestSyncFull(t *testing.T) {
	env, srv, out, dir := setupEnv(t)
	ctx := testContext(t)
	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))

	// A path the tree never had.
	require.NoError(t, srv.Repository().Bind(ctx, "stray.txt", lib.GetSignature([]byte("hello world"))))
	out.Reset()

	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))
	assert.Contains(t, out.String(), "Already up to date (generation 1)")
	out.Reset()

	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{Full: true}))
	assert.Contains(t, out.String(), "0 added, 0 modified, 0 moved, 1 removed")
	assert.Contains(t, out.String(), "Sync complete (generation 2)")

	entries, err := commands.RemoteList(ctx, env, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test.txt", entries[0].Path)
}

func TestSyncDoesNotRunTwice(t *testing.T) {
	env, _, _, dir := setupEnv(t)

	held := lib.NewStateStore(dir)
	require.NoError(t, held.Lock())
	defer held.Unlock()

	err := commands.Sync(testContext(t), env, dir, commands.SyncOptions{})
	require.ErrorIs(t, err, lib.ErrTreeLocked)
}

func TestList(t *testing.T) {
	env, _, out, dir := setupEnv(t)
	ctx := testContext(t)

	require.NoError(t, commands.List(ctx, env, ""))
	assert.Contains(t, out.String(), "No files found")
	out.Reset()

	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))
	out.Reset()

	require.NoError(t, commands.List(ctx, env, ""))
	assert.Contains(t, out.String(), "SIGNATURE")
	assert.Contains(t, out.String(), "test.txt")
	assert.Contains(t, out.String(), string(lib.GetSignature([]byte("hello world")).Short()))
	assert.Contains(t, out.String(), "11 B in 1 file.")

	entries, err := commands.RemoteList(ctx, env, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test.txt", entries[0].Path)
}

func TestRestore(t *testing.T) {
	env, _, out, dir := setupEnv(t)
	ctx := testContext(t)
	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))
	out.Reset()

	restoreDir := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, commands.Restore(ctx, env, "", restoreDir))
	assert.Contains(t, out.String(), "Restore complete!")
	assert.Contains(t, out.String(), "1 downloaded")

	got, err := os.ReadFile(filepath.Join(restoreDir, "test.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestGC(t *testing.T) {
	env, srv, out, dir := setupEnv(t)
	ctx := testContext(t)
	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))

	// Replacing the content leaves the old blob unreferenced.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.txt"), []byte("goodbye, world"), 0644))
	require.NoError(t, commands.Sync(ctx, env, dir, commands.SyncOptions{}))
	out.Reset()

	err := commands.GC(ctx, env, commands.GCOptions{})
	require.ErrorIs(t, err, lib.ErrTreeLocked, "gc must not run while the server holds the data dir")

	require.NoError(t, srv.Close())
	require.NoError(t, commands.GC(ctx, env, commands.GCOptions{Verify: true}))
	assert.Contains(t, out.String(), "Removed 1 of 2 blobs (11 B)")
	assert.Contains(t, out.String(), "Reference counts verified.")
	assert.Contains(t, out.String(), "GC complete! 1 blobs, 1 paths")
}
