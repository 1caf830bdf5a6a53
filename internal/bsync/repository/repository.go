// Package repository implements the server-side content-addressed store:
// deduplicated blob content, the path index that references it, and the
// reference counts that tie the two together.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

const (
	dbFileName   = "repository.db"
	lockFileName = "bsync.lock"

	// leaseRetryInterval is how often Put checks whether a busy upload has finished.
	leaseRetryInterval = 10 * time.Millisecond
)

// Options configures a Repository.
type Options struct {
	// StagingTTL is the age after which abandoned partial uploads are removed by Reclaim.
	StagingTTL time.Duration
	// ReclaimGrace keeps unreferenced blobs younger than this, so content that
	// was just uploaded survives until its pending paths are bound.
	ReclaimGrace time.Duration
	Logger       *slog.Logger
	DBOptions    []DBOption
}

// Entry is the repository's record of one stored blob.
type Entry struct {
	Signature types.Signature `db:"signature" json:"signature"`
	Handle    string          `db:"handle" json:"handle"`
	Size      int64           `db:"size" json:"size"`
	RefCount  int64           `db:"refcount" json:"refcount"`
	CreatedAt int64           `db:"created_at" json:"createdAt"`
	Paths     []string        `db:"-" json:"paths"`
}

// Repository is safe for concurrent use.
type Repository struct {
	dir     string
	db      *sqlx.DB
	store   *PackStore
	staging *Staging
	keys    *keyedMutex
	// leases holds the signatures with an upload in progress.
	leases  mapset.Set[types.Signature]
	lock    *flock.Flock
	opts    Options
	logger  *slog.Logger

	// gate is held shared by ingests and readers and exclusively by Reclaim.
	gate sync.RWMutex
}

// Open opens the repository in dir, creating it if needed. Only one process
// may have a data directory open at a time.
func Open(dir string, opts Options) (*Repository, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	staging, err := NewStaging(filepath.Join(absDir, stagingDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to create staging area: %w", err)
	}

	lock := flock.New(filepath.Join(absDir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", absDir, err)
	}
	if !ok {
		return nil, fmt.Errorf("data dir %s: %w", absDir, lib.ErrTreeLocked)
	}

	store, err := NewPackStore(absDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	db, err := openDB(filepath.Join(absDir, dbFileName), opts.DBOptions...)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		dir:     absDir,
		db:      db,
		store:   store,
		staging: staging,
		keys:    newKeyedMutex(),
		leases:  mapset.NewSet[types.Signature](),
		lock:    lock,
		opts:    opts,
		logger:  logger.With("component", "repository"),
	}, nil
}

// Close releases the database and the data directory lock.
func (r *Repository) Close() error {
	err := r.db.Close()
	if unlockErr := r.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// Dir returns the absolute data directory.
func (r *Repository) Dir() string { return r.dir }

// Staging returns the partial upload area.
func (r *Repository) Staging() *Staging { return r.staging }

// ValidatePath checks that p is a clean, relative, slash-separated path.
func ValidatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || path.Clean(p) != p ||
		p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("%w: invalid path %q", lib.ErrProtocol, p)
	}
	return nil
}

// Has reports whether content with the given signature is stored.
func (r *Repository) Has(ctx context.Context, sig types.Signature) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, "SELECT 1 FROM blobs WHERE signature = ?", sig)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query blob %s: %w", sig.Short(), err)
	}
	return true, nil
}

// Put stores the content read from rd under sig. The bytes are staged and
// hashed first; content that does not hash to sig is discarded and
// ErrSignatureMismatch is returned. Putting an already stored signature is a
// no-op and rd is not read.
func (r *Repository) Put(ctx context.Context, sig types.Signature, rd io.Reader) error {
	up, err := r.BeginUpload(ctx, sig, false)
	for errors.Is(err, lib.ErrUploadBusy) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaseRetryInterval):
		}
		up, err = r.BeginUpload(ctx, sig, false)
	}
	if err != nil {
		return err
	}
	if up.Present() {
		return up.Commit(ctx)
	}
	if _, err := io.Copy(up, rd); err != nil {
		up.Abort()
		return err
	}
	return up.Commit(ctx)
}

// finalize verifies the staged bytes for sig and moves them into the pack
// store. The caller holds the upload lease for sig.
func (r *Repository) finalize(ctx context.Context, sig types.Signature) error {
	unlock, err := r.keys.Lock(ctx, sigKey(string(sig)))
	if err != nil {
		return err
	}
	defer unlock()

	present, err := r.Has(ctx, sig)
	if err != nil {
		return err
	}
	if present {
		return r.staging.Discard(sig)
	}

	got, size, err := r.staging.Verify(sig)
	if err != nil {
		return fmt.Errorf("failed to verify staged upload %s: %w", sig.Short(), err)
	}
	if got != sig {
		_ = r.staging.Discard(sig)
		return fmt.Errorf("%w: expected %s, received %s", lib.ErrSignatureMismatch, sig.Short(), got.Short())
	}

	r.gate.RLock()
	defer r.gate.RUnlock()

	f, err := r.staging.Open(sig)
	if err != nil {
		return err
	}
	handle, n, err := r.store.Ingest(sig, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to ingest %s: %w", sig.Short(), err)
	}
	if n != size {
		return fmt.Errorf("staged upload %s changed during ingest", sig.Short())
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs (signature, handle, size, refcount, created_at) VALUES (?, ?, ?, 0, ?)`,
		sig, handle, size, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record blob %s: %w", sig.Short(), err)
	}
	r.logger.Debug("stored blob", "signature", sig.Short(), "size", size, "handle", handle[:12])
	return r.staging.Discard(sig)
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lookupTx returns the signature bound to p, or "" if p is unbound.
func lookupTx(ctx context.Context, tx *sqlx.Tx, p string) (types.Signature, error) {
	var sig types.Signature
	err := tx.GetContext(ctx, &sig, "SELECT signature FROM paths WHERE path = ?", p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return sig, err
}

// adjustRefTx changes the reference count of sig by delta.
func adjustRefTx(ctx context.Context, tx *sqlx.Tx, sig types.Signature, delta int64) error {
	var refcount int64
	err := tx.GetContext(ctx, &refcount, "SELECT refcount FROM blobs WHERE signature = ?", sig)
	if errors.Is(err, sql.ErrNoRows) {
		if delta > 0 {
			return fmt.Errorf("%w: %s", lib.ErrUnknownSignature, sig.Short())
		}
		return fmt.Errorf("%w: path references missing blob %s", lib.ErrRepositoryInconsistent, sig.Short())
	}
	if err != nil {
		return err
	}
	if refcount+delta < 0 {
		return fmt.Errorf("%w: refcount of %s would drop to %d", lib.ErrRepositoryInconsistent, sig.Short(), refcount+delta)
	}
	_, err = tx.ExecContext(ctx, "UPDATE blobs SET refcount = ? WHERE signature = ?", refcount+delta, sig)
	return err
}

// Bind points path p at sig, moving one reference from the previously bound
// signature, if any. Rebinding the same pair changes nothing.
func (r *Repository) Bind(ctx context.Context, p string, sig types.Signature) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if _, err := types.ParseSignature(string(sig)); err != nil {
		return fmt.Errorf("%w: %w", lib.ErrProtocol, err)
	}
	unlockPath, err := r.keys.Lock(ctx, pathKey(p))
	if err != nil {
		return err
	}
	defer unlockPath()

	prev, err := r.Lookup(ctx, p)
	if err != nil {
		return err
	}
	if prev == sig {
		return nil
	}

	keys := []string{sigKey(string(sig))}
	if prev != "" {
		keys = append(keys, sigKey(string(prev)))
	}
	unlockSigs, err := r.keys.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlockSigs()

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := lookupTx(ctx, tx, p)
		if err != nil {
			return err
		}
		if current == sig {
			return nil
		}
		if err := adjustRefTx(ctx, tx, sig, 1); err != nil {
			return err
		}
		if current != "" {
			if err := adjustRefTx(ctx, tx, current, -1); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO paths (path, signature) VALUES (?, ?)
			 ON CONFLICT(path) DO UPDATE SET signature = excluded.signature`,
			p, sig,
		)
		return err
	})
}

// Unbind removes path p and releases its reference. Unbinding an unknown path is a no-op.
func (r *Repository) Unbind(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	unlockPath, err := r.keys.Lock(ctx, pathKey(p))
	if err != nil {
		return err
	}
	defer unlockPath()

	prev, err := r.Lookup(ctx, p)
	if err != nil || prev == "" {
		return err
	}
	unlockSig, err := r.keys.Lock(ctx, sigKey(string(prev)))
	if err != nil {
		return err
	}
	defer unlockSig()

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := lookupTx(ctx, tx, p)
		if err != nil || current == "" {
			return err
		}
		if err := adjustRefTx(ctx, tx, current, -1); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM paths WHERE path = ?", p)
		return err
	})
}

// Lookup returns the signature bound to p, or "" when p is not bound.
func (r *Repository) Lookup(ctx context.Context, p string) (types.Signature, error) {
	var sig types.Signature
	err := r.db.GetContext(ctx, &sig, "SELECT signature FROM paths WHERE path = ?", p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", p, err)
	}
	return sig, nil
}

// Entry returns the record for sig along with the paths bound to it.
func (r *Repository) Entry(ctx context.Context, sig types.Signature) (*Entry, error) {
	var entry Entry
	err := r.db.GetContext(ctx, &entry,
		"SELECT signature, handle, size, refcount, created_at FROM blobs WHERE signature = ?", sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", lib.ErrUnknownSignature, sig.Short())
	}
	if err != nil {
		return nil, err
	}
	entry.Paths = []string{}
	if err := r.db.SelectContext(ctx, &entry.Paths,
		"SELECT path FROM paths WHERE signature = ? ORDER BY path", sig); err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns the bound paths at or below prefix, sorted by path. An empty
// prefix lists the whole tree.
func (r *Repository) List(ctx context.Context, prefix string) ([]types.RemoteEntry, error) {
	prefix = strings.Trim(prefix, "/")
	dirPrefix := prefix + "/"
	entries := []types.RemoteEntry{}
	err := r.db.SelectContext(ctx, &entries, `
		SELECT p.path AS path, p.signature AS signature, b.size AS size
		FROM paths p JOIN blobs b ON b.signature = p.signature
		WHERE ? = '' OR p.path = ? OR substr(p.path, 1, ?) = ?
		ORDER BY p.path`,
		prefix, prefix, len(dirPrefix), dirPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	return entries, nil
}

// Open returns a reader over the stored content of sig. Reclaim waits until the reader is closed.
func (r *Repository) Open(ctx context.Context, sig types.Signature) (io.ReadCloser, int64, error) {
	r.gate.RLock()
	var handle string
	err := r.db.GetContext(ctx, &handle, "SELECT handle FROM blobs WHERE signature = ?", sig)
	if err != nil {
		r.gate.RUnlock()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: %s", lib.ErrUnknownSignature, sig.Short())
		}
		return nil, 0, err
	}
	rc, size, err := r.store.Open(handle)
	if err != nil {
		r.gate.RUnlock()
		return nil, 0, err
	}
	return &gatedReader{ReadCloser: rc, release: r.gate.RUnlock}, size, nil
}

type gatedReader struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (g *gatedReader) Close() error {
	err := g.ReadCloser.Close()
	g.once.Do(g.release)
	return err
}

// Stats summarizes repository contents.
type Stats struct {
	Blobs         int64 `db:"blobs" json:"blobs"`
	Paths         int64 `db:"paths" json:"paths"`
	StoredBytes   int64 `db:"stored_bytes" json:"storedBytes"`
	LogicalBytes  int64 `db:"logical_bytes" json:"logicalBytes"`
	Unreferenced  int64 `db:"unreferenced" json:"unreferenced"`
	PackObjects   int   `db:"-" json:"packObjects"`
	StagedUploads int   `db:"-" json:"stagedUploads"`
}

func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			(SELECT COUNT(*) FROM blobs) AS blobs,
			(SELECT COUNT(*) FROM paths) AS paths,
			(SELECT COALESCE(SUM(size), 0) FROM blobs) AS stored_bytes,
			(SELECT COALESCE(SUM(b.size), 0) FROM paths p JOIN blobs b ON b.signature = p.signature) AS logical_bytes,
			(SELECT COUNT(*) FROM blobs WHERE refcount = 0) AS unreferenced`)
	if err != nil {
		return Stats{}, err
	}
	stats.PackObjects = len(r.store.Index())
	if n, err := r.staging.Count(); err == nil {
		stats.StagedUploads = n
	}
	return stats, nil
}

// Inconsistency describes a blob whose reference count disagrees with the path index.
type Inconsistency struct {
	Signature types.Signature `db:"signature" json:"signature"`
	RefCount  int64           `db:"refcount" json:"refcount"`
	Bound     int64           `db:"bound" json:"bound"`
}

// Verify cross-checks every reference count against the number of bound paths.
func (r *Repository) Verify(ctx context.Context) ([]Inconsistency, error) {
	problems := []Inconsistency{}
	err := r.db.SelectContext(ctx, &problems, `
		SELECT b.signature AS signature, b.refcount AS refcount, COUNT(p.path) AS bound
		FROM blobs b LEFT JOIN paths p ON p.signature = b.signature
		GROUP BY b.signature
		HAVING b.refcount != COUNT(p.path)
		ORDER BY b.signature`)
	if err != nil {
		return nil, err
	}
	return problems, nil
}
