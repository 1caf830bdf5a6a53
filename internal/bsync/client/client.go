// Package client synchronizes a local tree to a bsync server.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/protocol"
	"github.com/gingerrexayers/bsync-go/internal/bsync/transfer"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// Version is sent to the server in the handshake.
const Version = "0.1.0"

// ErrSyncIncomplete is returned when the server did not acknowledge every
// path of a change set. The local state is left unchanged.
var ErrSyncIncomplete = errors.New("sync incomplete")

// DialFunc opens a connection to the server.
type DialFunc func(ctx context.Context) (net.Conn, error)

type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Reporter lib.Reporter
	// Dial defaults to TCP to Config.ServerAddr.
	Dial DialFunc
}

// Client syncs one tree. A tree is synced by at most one process at a time.
type Client struct {
	root          string
	cfg           *config.Config
	logger        *slog.Logger
	reporter      lib.Reporter
	dial          DialFunc
	state         *lib.StateStore
	fingerprinter *lib.Fingerprinter
}

func New(root string, opts Options) (*Client, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve absolute path for %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", absRoot)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = lib.LogReporter{Logger: logger}
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", cfg.ServerAddr)
		}
	}
	fingerprinter, err := lib.NewFingerprinter(lib.DefaultFingerprintCacheSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		root:          absRoot,
		cfg:           cfg,
		logger:        logger.With("component", "client"),
		reporter:      reporter,
		dial:          dial,
		state:         lib.NewStateStore(absRoot),
		fingerprinter: fingerprinter,
	}, nil
}

// Root returns the absolute path of the synced tree.
func (c *Client) Root() string { return c.root }

// conn is an established, greeted server connection.
type conn struct {
	mux       *protocol.Mux
	welcome   protocol.Welcome
	chunkSize int
	stop      func() bool
}

func (s *conn) Close() error {
	s.stop()
	return s.mux.Close()
}

// connect dials the server and performs the handshake. Cancelling ctx closes
// the connection, which aborts every transfer running on it.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	nc, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", lib.ErrTransportInterrupted, err)
	}
	mux := protocol.NewMux(protocol.NewConn(nc), c.logger)
	stop := context.AfterFunc(ctx, func() { mux.Close() })

	msg, err := mux.Call(ctx, protocol.MsgHello, &protocol.Hello{
		SessionID:     uuid.NewString(),
		ClientVersion: Version,
		Protocol:      protocol.Version,
	})
	if err == nil {
		var welcome protocol.Welcome
		if err = msg.Expect(protocol.MsgWelcome, &welcome); err == nil {
			c.logger.Debug("connected", "session", welcome.SessionID, "chunkSize", welcome.ChunkSize, "resumable", welcome.Resumable)
			return &conn{
				mux:       mux,
				welcome:   welcome,
				chunkSize: negotiateChunkSize(c.cfg.ChunkSizeBytes, welcome.ChunkSize),
				stop:      stop,
			}, nil
		}
	}
	stop()
	mux.Close()
	return nil, fmt.Errorf("handshake failed: %w", err)
}

func negotiateChunkSize(local, remote int) int {
	if remote > 0 && remote < local {
		return remote
	}
	return local
}

func (c *Client) captureOptions() lib.CaptureOptions {
	return lib.CaptureOptions{
		FollowSymlinks:     c.cfg.FollowSymlinks,
		CaseSensitivePaths: c.cfg.CaseSensitivePaths,
		Concurrency:        c.cfg.Concurrency,
		Reporter:           c.reporter,
		Fingerprinter:      c.fingerprinter,
	}
}

// Status captures the tree and diffs it against the last synced snapshot
// without contacting the server.
func (c *Client) Status(ctx context.Context) (types.ChangeSet, types.Snapshot, error) {
	prev, err := c.state.Load()
	if err != nil {
		return types.ChangeSet{}, types.Snapshot{}, err
	}
	c.fingerprinter.Seed(c.root, prev)
	next, err := lib.Capture(ctx, c.root, c.captureOptions())
	if err != nil {
		return types.ChangeSet{}, prev, err
	}
	return lib.Diff(prev, next), prev, nil
}

// Result describes one sync run.
type Result struct {
	Changes types.ChangeSet
	// Uploaded counts the signatures whose bytes were sent; content the
	// server already held is not counted. Bytes is what was actually sent.
	Uploaded     int
	Bytes        int64
	Acknowledged []string
	Pending      []string
	// Generation of the persisted snapshot after the run.
	Generation int64
}

// Sync captures the tree, sends the change since the last synced snapshot and
// uploads the content the server lacks. The new snapshot is persisted only
// if the server acknowledged every changed path; on any failure the previous
// snapshot stays in place and the next run sends the change set again.
//
// A tree that was never synced is reconciled against the server's listing,
// as SyncFull does.
func (c *Client) Sync(ctx context.Context) (*Result, error) {
	return c.sync(ctx, false)
}

// SyncFull is Sync with the server's current tree in place of the last
// synced snapshot. Paths the server holds that the tree does not are
// removed, and paths the server lost are sent again.
func (c *Client) SyncFull(ctx context.Context) (*Result, error) {
	return c.sync(ctx, true)
}

func (c *Client) sync(ctx context.Context, full bool) (*Result, error) {
	if err := c.state.Lock(); err != nil {
		return nil, err
	}
	defer c.state.Unlock()

	prev, err := c.state.Load()
	if err != nil {
		return nil, err
	}
	c.fingerprinter.Seed(c.root, prev)
	next, err := lib.Capture(ctx, c.root, c.captureOptions())
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}

	full = full || prev.Generation == 0
	base := prev
	var sc *conn
	if full {
		if sc, err = c.connect(ctx); err != nil {
			return &Result{Generation: prev.Generation}, err
		}
		defer sc.Close()
		entries, err := list(ctx, sc, "")
		if err != nil {
			return &Result{Generation: prev.Generation}, err
		}
		base = remoteSnapshot(entries)
		c.logger.Debug("reconciling against server tree", "root", c.root, "remote", len(entries))
	}

	cs := lib.Diff(base, next)
	res := &Result{Changes: cs, Generation: prev.Generation}
	if cs.IsEmpty() {
		// Keep refreshed metadata so the next capture can skip hashing.
		if full || !lib.SameFiles(prev, next) {
			saved, err := c.state.Save(next)
			if err != nil {
				return res, err
			}
			res.Generation = saved.Generation
		}
		c.logger.Debug("nothing to sync", "root", c.root, "generation", res.Generation)
		return res, nil
	}
	c.logger.Info("syncing", "root", c.root, "changes", cs.Summary(), "full", full)

	if sc == nil {
		if sc, err = c.connect(ctx); err != nil {
			return res, err
		}
		defer sc.Close()
	}

	msg, err := sc.mux.Call(ctx, protocol.MsgChangeSet, protocol.NewChangeSetRequest(cs))
	if err != nil {
		return res, err
	}
	var plan protocol.TransferPlan
	if err := msg.Expect(protocol.MsgTransferPlan, &plan); err != nil {
		return res, err
	}

	sources, err := c.sourcesFor(plan.RequiredSignatures, next)
	if err != nil {
		return res, err
	}
	var total int64
	for _, src := range sources {
		total += src.Size
	}
	sup := &supervisor{
		mux:           sc.mux,
		chunkSize:     sc.chunkSize,
		concurrency:   c.cfg.Concurrency,
		maxRetries:    c.cfg.MaxRetries,
		fingerprinter: c.fingerprinter,
		progress:      transfer.NewProgress(total, c.reporter),
		logger:        c.logger,
	}
	if err := sup.uploadAll(ctx, sources); err != nil {
		return res, err
	}
	res.Uploaded = int(sup.uploaded.Load())
	res.Bytes = sup.sent.Load()

	msg, err = sc.mux.Call(ctx, protocol.MsgSyncCommit, &protocol.SyncCommit{})
	if err != nil {
		return res, err
	}
	var done protocol.SyncComplete
	if err := msg.Expect(protocol.MsgSyncComplete, &done); err != nil {
		return res, err
	}
	res.Acknowledged = done.AcknowledgedPaths
	res.Pending = done.PendingPaths

	if missing := unacknowledged(cs, done); len(missing) > 0 || len(done.PendingPaths) > 0 {
		return res, fmt.Errorf("%w: %d paths unacknowledged, %d pending", ErrSyncIncomplete, len(missing), len(done.PendingPaths))
	}

	saved, err := c.state.Save(next)
	if err != nil {
		return res, err
	}
	res.Generation = saved.Generation
	c.logger.Info("sync complete", "generation", saved.Generation, "uploaded", res.Uploaded, "bytes", res.Bytes)
	return res, nil
}

// remoteSnapshot builds a snapshot from a server listing.
func remoteSnapshot(entries []types.RemoteEntry) types.Snapshot {
	snap := types.NewSnapshot()
	for _, e := range entries {
		snap.Files[e.Path] = types.FileRecord{Path: e.Path, Size: e.Size, Signature: e.Signature}
	}
	return snap
}

// sourcesFor maps each required signature to a local file that has it. The
// lexicographically first path is used when several files share content.
func (c *Client) sourcesFor(required []types.Signature, snap types.Snapshot) ([]transfer.Source, error) {
	want := mapset.NewThreadUnsafeSet(required...)
	bySig := make(map[types.Signature]types.FileRecord, len(required))
	for p, rec := range snap.Files {
		if !want.Contains(rec.Signature) {
			continue
		}
		if cur, ok := bySig[rec.Signature]; !ok || p < cur.Path {
			bySig[rec.Signature] = rec
		}
	}

	sources := make([]transfer.Source, 0, len(required))
	for _, sig := range required {
		rec, ok := bySig[sig]
		if !ok {
			return nil, fmt.Errorf("%w: server requested %s which is not in the change set", lib.ErrProtocol, sig.Short())
		}
		sources = append(sources, transfer.Source{
			Path:      filepath.Join(c.root, filepath.FromSlash(rec.Path)),
			Signature: sig,
			Size:      rec.Size,
		})
	}
	return sources, nil
}

// unacknowledged returns the paths of cs the server did not confirm.
func unacknowledged(cs types.ChangeSet, done protocol.SyncComplete) []string {
	acked := mapset.NewThreadUnsafeSet(done.AcknowledgedPaths...)
	var missing []string
	for _, p := range lib.Paths(cs) {
		if !acked.Contains(p) {
			missing = append(missing, p)
		}
	}
	slices.Sort(missing)
	return missing
}

// List returns the server's tree at or below prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]types.RemoteEntry, error) {
	sc, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	return list(ctx, sc, prefix)
}

func list(ctx context.Context, sc *conn, prefix string) ([]types.RemoteEntry, error) {
	msg, err := sc.mux.Call(ctx, protocol.MsgList, &protocol.ListRequest{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	var res protocol.ListResult
	if err := msg.Expect(protocol.MsgListResult, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}
