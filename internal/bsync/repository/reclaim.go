package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// ReclaimResult reports what a reclamation pass removed.
type ReclaimResult struct {
	BlobsRemoved   int   `json:"blobsRemoved"`
	BytesRemoved   int64 `json:"bytesRemoved"`
	ObjectsRemoved int   `json:"objectsRemoved"`
	PacksRemoved   int   `json:"packsRemoved"`
	StagingExpired int   `json:"stagingExpired"`
}

// Reclaim deletes blobs that no path references, then rewrites the pack
// store so it holds only objects reachable from the remaining blobs. Staged
// uploads older than the staging TTL are removed as well.
func (r *Repository) Reclaim(ctx context.Context) (ReclaimResult, error) {
	var result ReclaimResult

	r.gate.Lock()
	defer r.gate.Unlock()

	// 1. Delete unreferenced rows, each under its signature lock.
	cutoff := time.Now().Add(-r.opts.ReclaimGrace).UnixNano()
	var candidates []Entry
	if err := r.db.SelectContext(ctx, &candidates,
		"SELECT signature, handle, size, refcount, created_at FROM blobs WHERE refcount = 0 AND created_at <= ?", cutoff); err != nil {
		return result, fmt.Errorf("failed to find unreferenced blobs: %w", err)
	}
	for _, c := range candidates {
		removed, err := r.deleteIfUnreferenced(ctx, c.Signature)
		if err != nil {
			return result, err
		}
		if removed {
			result.BlobsRemoved++
			result.BytesRemoved += c.Size
		}
	}

	// 2. Mark phase.
	var handles []string
	if err := r.db.SelectContext(ctx, &handles, "SELECT handle FROM blobs"); err != nil {
		return result, fmt.Errorf("failed to list live blobs: %w", err)
	}
	live := make(map[string]bool)
	for _, handle := range handles {
		if err := r.markReachable(handle, live); err != nil {
			return result, err
		}
	}

	// 3. Sweep phase.
	packs, objects, err := r.sweep(live)
	if err != nil {
		return result, err
	}
	result.PacksRemoved = packs
	result.ObjectsRemoved = objects

	// 4. Abandoned partial uploads.
	if r.opts.StagingTTL > 0 {
		expired, err := r.staging.Expire(r.opts.StagingTTL, func(sig types.Signature) bool {
			return r.leases.Contains(sig)
		})
		if err != nil {
			return result, fmt.Errorf("failed to expire staged uploads: %w", err)
		}
		result.StagingExpired = expired
	}

	r.logger.Info("reclaim complete",
		"blobs", result.BlobsRemoved, "objects", result.ObjectsRemoved,
		"packs", result.PacksRemoved, "staging", result.StagingExpired)
	return result, nil
}

func (r *Repository) deleteIfUnreferenced(ctx context.Context, sig types.Signature) (bool, error) {
	unlock, err := r.keys.Lock(ctx, sigKey(string(sig)))
	if err != nil {
		return false, err
	}
	defer unlock()

	removed := false
	err = r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM blobs WHERE signature = ? AND refcount = 0
			 AND NOT EXISTS (SELECT 1 FROM paths WHERE signature = ?)`, sig, sig)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete blob %s: %w", sig.Short(), err)
	}
	return removed, nil
}

// markReachable adds a manifest and every chunk it lists to live.
func (r *Repository) markReachable(handle string, live map[string]bool) error {
	if live[handle] {
		return nil
	}
	manifest, err := r.store.ReadManifest(handle)
	if err != nil {
		return fmt.Errorf("%w: manifest %s unreadable: %w", lib.ErrRepositoryInconsistent, handle, err)
	}
	live[handle] = true
	for _, chunk := range manifest.Chunks {
		live[chunk.Hash] = true
	}
	return nil
}

// sweep rebuilds the index and the packs directory to hold only live
// objects. The caller holds the gate exclusively.
func (r *Repository) sweep(live map[string]bool) (packsRemoved, objectsRemoved int, err error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	newIndex := make(types.PackIndex)
	packsToKeep := make(map[string]bool)
	allPacks := make(map[string]bool)
	for hash, entry := range s.index {
		allPacks[entry.PackHash] = true
		if live[hash] {
			newIndex[hash] = entry
			packsToKeep[entry.PackHash] = true
		}
	}
	for hash := range live {
		if _, ok := s.index[hash]; !ok {
			return 0, 0, fmt.Errorf("%w: live object %s missing from index", lib.ErrRepositoryInconsistent, hash)
		}
	}
	objectsRemoved = len(s.index) - len(newIndex)
	packsRemoved = len(allPacks) - len(packsToKeep)
	if objectsRemoved == 0 && packsRemoved == 0 {
		return 0, 0, nil
	}

	// Copy the required packfiles to a temporary directory.
	packsDir := s.packsDir()
	tmpPacksDir := filepath.Join(s.dir, packsDirName+".tmp")
	_ = os.RemoveAll(tmpPacksDir)
	if err := os.MkdirAll(tmpPacksDir, 0755); err != nil {
		return 0, 0, err
	}
	for packHash := range packsToKeep {
		if err := lib.CopyFile(filepath.Join(packsDir, packHash), filepath.Join(tmpPacksDir, packHash)); err != nil {
			return 0, 0, fmt.Errorf("failed to copy packfile %s: %w", packHash, err)
		}
	}

	tmpIndexPath := filepath.Join(s.dir, "index.tmp.json")
	newIndexJSON, err := json.MarshalIndent(newIndex, "", "  ")
	if err != nil {
		return 0, 0, err
	}
	err = lib.WriteFileAtomic(tmpIndexPath, func(w io.Writer) error {
		_, err := w.Write(newIndexJSON)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	// Swap directories, keeping backups until both renames have succeeded.
	indexPath := s.indexPath()
	bakPacksDir := packsDir + ".bak"
	bakIndexPath := indexPath + ".bak"
	_ = os.RemoveAll(bakPacksDir)
	_ = os.Remove(bakIndexPath)

	if err := os.Rename(packsDir, bakPacksDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, 0, fmt.Errorf("failed to back up packs directory: %w", err)
	}
	if err := os.Rename(indexPath, bakIndexPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, 0, fmt.Errorf("failed to back up index file: %w", err)
	}
	if err := os.Rename(tmpPacksDir, packsDir); err != nil {
		return 0, 0, fmt.Errorf("failed to activate new packs directory: %w", err)
	}
	if err := os.Rename(tmpIndexPath, indexPath); err != nil {
		return 0, 0, fmt.Errorf("failed to activate new index file: %w", err)
	}
	_ = os.RemoveAll(bakPacksDir)
	_ = os.Remove(bakIndexPath)

	s.index = newIndex
	return packsRemoved, objectsRemoved, nil
}
