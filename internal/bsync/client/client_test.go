package client

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/server"
)

const testChunkSize = 8 << 10

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ChunkSizeBytes = testChunkSize
	cfg.Concurrency = 4
	cfg.ReclaimInterval = 0
	cfg.ReclaimGrace = 0
	cfg.PollInterval = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

type testEnv struct {
	cfg  *config.Config
	srv  *server.Server
	root string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	srv, err := server.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return &testEnv{cfg: cfg, srv: srv, root: t.TempDir()}
}

// pipeDial connects to the in-process server. wrap, if set, decorates the
// client end of the connection.
func (e *testEnv) pipeDial(wrap func(net.Conn) net.Conn) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		c1, c2 := net.Pipe()
		go e.srv.ServeConn(context.Background(), c2)
		if wrap != nil {
			return wrap(c1), nil
		}
		return c1, nil
	}
}

func (e *testEnv) client(t *testing.T, wrap func(net.Conn) net.Conn) *Client {
	t.Helper()
	c, err := New(e.root, Options{Config: e.cfg, Reporter: lib.NopReporter{}, Dial: e.pipeDial(wrap)})
	require.NoError(t, err)
	return c
}

func (e *testEnv) write(t *testing.T, rel string, content []byte) {
	t.Helper()
	path := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, content, 0644))
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return e.srv.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func randomContent(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(buf)
	require.NoError(t, err)
	return buf
}

func TestSync_DuplicateContentUploadedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	content := []byte("hello, deduplicated world")
	env.write(t, "a.txt", content)
	env.write(t, "b.txt", content)

	c := env.client(t, nil)
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Len(t, res.Changes.Added, 2)
	assert.Equal(t, []string{"a.txt", "b.txt"}, res.Acknowledged)
	assert.Equal(t, int64(1), res.Generation)

	entry, err := env.srv.Repository().Entry(ctx, lib.GetSignature(content))
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.RefCount)

	// Nothing changed, nothing sent.
	res, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Changes.IsEmpty())
	assert.Equal(t, int64(1), res.Generation)
}

func TestSync_RenameUploadsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	content := []byte("contents that keep their identity")
	env.write(t, "a.txt", content)

	c := env.client(t, nil)
	_, err := c.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(env.root, "a.txt"), filepath.Join(env.root, "c.txt")))
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded)
	require.Len(t, res.Changes.Moved, 1)
	assert.Equal(t, "a.txt", res.Changes.Moved[0].From.Path)
	assert.Equal(t, "c.txt", res.Changes.Moved[0].To.Path)

	repo := env.srv.Repository()
	sig, err := repo.Lookup(ctx, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, lib.GetSignature(content), sig)
	sig, err = repo.Lookup(ctx, "a.txt")
	require.NoError(t, err)
	assert.Empty(t, sig)
	entry, err := repo.Entry(ctx, lib.GetSignature(content))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.RefCount)
}

func TestSync_ModifyAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	env.write(t, "keep.txt", []byte("v1"))
	env.write(t, "dir/drop.txt", []byte("temporary"))

	c := env.client(t, nil)
	_, err := c.Sync(ctx)
	require.NoError(t, err)

	env.write(t, "keep.txt", []byte("v2, longer than before"))
	require.NoError(t, os.Remove(filepath.Join(env.root, "dir", "drop.txt")))
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Changes.Modified, 1)
	assert.Len(t, res.Changes.Removed, 1)
	assert.Equal(t, int64(2), res.Generation)

	entries, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Path)
	assert.Equal(t, lib.GetSignature([]byte("v2, longer than before")), entries[0].Signature)
}

// cutConn fails every write once limit bytes have been written.
type cutConn struct {
	net.Conn
	mu      sync.Mutex
	limit   int64
	written int64
}

var errCut = errors.New("connection cut")

func (c *cutConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.limit - c.written
	if left <= 0 {
		c.Conn.Close()
		return 0, errCut
	}
	if int64(len(p)) > left {
		n, _ := c.Conn.Write(p[:left])
		c.written += int64(n)
		c.Conn.Close()
		return n, errCut
	}
	n, err := c.Conn.Write(p)
	c.written += int64(n)
	return n, err
}

// countingConn records the bytes written through it.
type countingConn struct {
	net.Conn
	written *atomic.Int64
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

func TestSync_InterruptedUploadResumes(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	content := randomContent(t, 100<<10)
	sig := lib.GetSignature(content)
	env.write(t, "big.bin", content)

	// Cut the connection after roughly 60% of the content went out.
	cut := env.client(t, func(nc net.Conn) net.Conn {
		return &cutConn{Conn: nc, limit: int64(len(content)) * 6 / 10}
	})
	_, err := cut.Sync(ctx)
	require.ErrorIs(t, err, lib.ErrTransportInterrupted)
	env.waitIdle(t)

	repo := env.srv.Repository()
	has, err := repo.Has(ctx, sig)
	require.NoError(t, err)
	assert.False(t, has)
	staged, err := repo.Staging().Offset(sig)
	require.NoError(t, err)
	assert.Positive(t, staged)
	assert.Less(t, staged, int64(len(content)))

	_, err = os.Stat(lib.GetStatePath(env.root))
	assert.True(t, os.IsNotExist(err), "state must not be written by a failed sync")

	var written atomic.Int64
	retry := env.client(t, func(nc net.Conn) net.Conn {
		return &countingConn{Conn: nc, written: &written}
	})
	res, err := retry.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, int64(1), res.Generation)
	assert.Less(t, written.Load(), int64(len(content)), "retry should only send the missing tail")

	has, err = repo.Has(ctx, sig)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSync_CancelledLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", []byte("first"))
	c := env.client(t, nil)
	_, err := c.Sync(testContext(t))
	require.NoError(t, err)

	env.write(t, "b.txt", randomContent(t, 64<<10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Sync(ctx)
	require.Error(t, err)

	changes, prev, err := c.Status(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), prev.Generation)
	require.Len(t, changes.Added, 1)
	assert.Equal(t, "b.txt", changes.Added[0].Path)
}

func TestSync_TreeLocked(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", []byte("x"))

	other := lib.NewStateStore(env.root)
	require.NoError(t, other.Lock())
	defer other.Unlock()

	_, err := env.client(t, nil).Sync(testContext(t))
	require.ErrorIs(t, err, lib.ErrTreeLocked)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", []byte("local only"))
	env.write(t, ".bsyncignore", []byte("*.log\n"))
	env.write(t, "debug.log", []byte("ignored"))

	c, err := New(env.root, Options{
		Config:   env.cfg,
		Reporter: lib.NopReporter{},
		Dial: func(context.Context) (net.Conn, error) {
			return nil, errors.New("status must not dial")
		},
	})
	require.NoError(t, err)

	changes, prev, err := c.Status(testContext(t))
	require.NoError(t, err)
	assert.Zero(t, prev.Generation)
	require.Len(t, changes.Added, 1)
	assert.Equal(t, "a.txt", changes.Added[0].Path)

	_, err = c.Sync(testContext(t))
	require.ErrorIs(t, err, lib.ErrTransportInterrupted)
}

func TestNew_RejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), Options{})
	require.Error(t, err)
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	shared := []byte("shared content")
	big := randomContent(t, 50<<10)
	env.write(t, "one.txt", shared)
	env.write(t, "nested/two.txt", shared)
	env.write(t, "nested/deeper/big.bin", big)

	c := env.client(t, nil)
	_, err := c.Sync(ctx)
	require.NoError(t, err)

	dest := t.TempDir()
	res, err := c.Restore(ctx, "", dest)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 1, res.Copied)
	assert.Zero(t, res.Skipped)

	for rel, want := range map[string][]byte{
		"one.txt":               shared,
		"nested/two.txt":        shared,
		"nested/deeper/big.bin": big,
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.True(t, bytes.Equal(want, got), rel)
	}

	t.Run("existing files are skipped", func(t *testing.T) {
		res, err := c.Restore(ctx, "", dest)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Skipped)
		assert.Zero(t, res.Downloaded)
	})

	t.Run("prefix", func(t *testing.T) {
		only := t.TempDir()
		res, err := c.Restore(ctx, "nested/deeper", only)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Files)
		_, err = os.Stat(filepath.Join(only, "one.txt"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestWatch_Polling(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, nil)

	ctx, cancel := context.WithCancel(testContext(t))
	results := make(chan *Result, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, WatchOptions{
			DisableEvents: true,
			OnSync: func(res *Result, err error) {
				if err == nil && res.Uploaded > 0 {
					results <- res
				}
			},
		})
	}()

	env.write(t, "watched.txt", []byte("picked up by the poller"))
	select {
	case res := <-results:
		assert.Equal(t, []string{"watched.txt"}, res.Acknowledged)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not sync the new file")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestIsWithin(t *testing.T) {
	dir := filepath.Join("root", ".bsync")
	assert.True(t, isWithin(dir, dir))
	assert.True(t, isWithin(dir, filepath.Join(dir, "state.json")))
	assert.False(t, isWithin(dir, filepath.Join("root", ".bsyncignore")))
}

func TestNegotiateChunkSize(t *testing.T) {
	assert.Equal(t, 100, negotiateChunkSize(100, 0))
	assert.Equal(t, 50, negotiateChunkSize(100, 50))
	assert.Equal(t, 100, negotiateChunkSize(100, 200))
}
