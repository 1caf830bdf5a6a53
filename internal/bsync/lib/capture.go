package lib

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// CaptureOptions controls which files a capture includes and how they are hashed.
type CaptureOptions struct {
	// FollowSymlinks includes symlinks to regular files, hashed by target
	// content. Symlinked directories are never descended.
	FollowSymlinks bool
	// CaseSensitivePaths disables detection of paths that collide after case folding.
	CaseSensitivePaths bool
	// Concurrency bounds the number of files hashed at once. Defaults to NumCPU.
	Concurrency int

	Reporter      Reporter
	Fingerprinter *Fingerprinter
	// Ignore overrides the rules loaded from the tree's .bsyncignore.
	Ignore *IgnoreRules
}

// candidate is a file found by the walk that still has to be fingerprinted.
type candidate struct {
	rel string
	abs string
}

// findCandidates walks the tree and returns the files to be fingerprinted.
// Unreadable directories and excluded entries are reported and skipped.
func findCandidates(ctx context.Context, root string, opts CaptureOptions, rules *IgnoreRules, reporter Reporter) ([]candidate, error) {
	var files []candidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			reporter.OnWarning(relOrSelf(root, path), err.Error())
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel := relOrSelf(root, path)
		if rules.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			return nil
		case d.Type().IsRegular():
			files = append(files, candidate{rel: rel, abs: path})
		case d.Type()&fs.ModeSymlink != 0:
			if !opts.FollowSymlinks {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				reporter.OnWarning(rel, fmt.Sprintf("broken symlink: %v", err))
				return nil
			}
			if info.Mode().IsRegular() {
				files = append(files, candidate{rel: rel, abs: path})
			}
		}
		// Sockets, devices and pipes are never captured.
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func relOrSelf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Capture walks root and returns a snapshot of every included regular file.
// Files that cannot be read are reported through the reporter and omitted.
func Capture(ctx context.Context, root string, opts CaptureOptions) (types.Snapshot, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("could not resolve absolute path for %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return types.Snapshot{}, err
	}
	if !info.IsDir() {
		return types.Snapshot{}, fmt.Errorf("%s is not a directory", absRoot)
	}

	reporter := ReporterOrDefault(opts.Reporter)
	rules := opts.Ignore
	if rules == nil {
		rules = LoadIgnoreRules(absRoot)
	}
	fingerprinter := opts.Fingerprinter
	if fingerprinter == nil {
		if fingerprinter, err = NewFingerprinter(DefaultFingerprintCacheSize); err != nil {
			return types.Snapshot{}, err
		}
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	files, err := findCandidates(ctx, absRoot, opts, rules, reporter)
	if err != nil {
		return types.Snapshot{}, err
	}

	var mu sync.Mutex
	records := make(map[string]types.FileRecord, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fp, err := fingerprinter.Fingerprint(file.abs)
			if err != nil {
				if errors.Is(err, ErrIOUnreadable) {
					reporter.OnWarning(file.rel, err.Error())
					return nil
				}
				return err
			}

			mu.Lock()
			records[file.rel] = types.FileRecord{
				Path:      file.rel,
				Size:      fp.Size,
				ModTime:   fp.ModTime,
				Signature: fp.Signature,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Snapshot{}, err
	}

	if !opts.CaseSensitivePaths {
		dropCaseCollisions(records, reporter)
	}

	return types.Snapshot{Files: records, CapturedAt: time.Now().UTC()}, nil
}

// dropCaseCollisions keeps only the lexicographically smallest spelling of
// paths that are equal under case folding.
func dropCaseCollisions(records map[string]types.FileRecord, reporter Reporter) {
	paths := make([]string, 0, len(records))
	for p := range records {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	kept := make(map[string]string, len(paths))
	for _, p := range paths {
		folded := strings.ToLower(p)
		if winner, ok := kept[folded]; ok {
			reporter.OnWarning(p, fmt.Sprintf("collides with %s when case is ignored", winner))
			delete(records, p)
			continue
		}
		kept[folded] = p
	}
}
