package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/transfer"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// restoreJob holds the information needed for a worker to restore one piece
// of content to every path that references it.
type restoreJob struct {
	Signature    types.Signature
	Size         int64
	Destinations []string
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Files      int
	Downloaded int
	Copied     int
	Skipped    int
	Bytes      int64
}

type restoreCounters struct {
	downloaded, copied, skipped atomic.Int64
}

// restoreWorker downloads each job's content once and copies it to the rest
// of its destinations. Files that already hold the content are left alone.
func (c *Client) restoreWorker(ctx context.Context, wg *sync.WaitGroup, sc *conn, progress *transfer.Progress,
	counters *restoreCounters, jobs <-chan restoreJob, errs chan<- error) {
	defer wg.Done()
	for job := range jobs {
		if ctx.Err() != nil {
			continue
		}

		// 1. Find a destination that already has the content, if any.
		var source string
		var missing []string
		for _, dst := range job.Destinations {
			if sig, err := c.fingerprinter.Signature(dst); err == nil && sig == job.Signature {
				counters.skipped.Add(1)
				progress.Add(job.Size)
				if source == "" {
					source = dst
				}
				continue
			}
			missing = append(missing, dst)
		}
		if len(missing) == 0 {
			continue
		}

		// 2. Download it if no local copy exists.
		if source == "" {
			source = missing[0]
			missing = missing[1:]
			if _, err := transfer.Download(ctx, sc.mux, job.Signature, source, progress); err != nil {
				errs <- err
				continue
			}
			counters.downloaded.Add(1)
		}

		// 3. Copy the content to the remaining paths.
		for _, dst := range missing {
			if err := lib.CopyFile(source, dst); err != nil {
				errs <- fmt.Errorf("failed to write file %s: %w", dst, err)
				break
			}
			counters.copied.Add(1)
			progress.Add(job.Size)
		}
	}
}

// Restore materializes the server's tree at or below prefix into dest.
func (c *Client) Restore(ctx context.Context, prefix, dest string) (*RestoreResult, error) {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("could not resolve output path: %w", err)
	}
	if err := os.MkdirAll(absDest, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	sc, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	// 1. Fetch the remote tree and group paths by content.
	entries, err := list(ctx, sc, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote tree: %w", err)
	}
	bySig := make(map[types.Signature]*restoreJob)
	var total int64
	for _, e := range entries {
		local := filepath.FromSlash(e.Path)
		if !filepath.IsLocal(local) {
			return nil, fmt.Errorf("%w: server sent unsafe path %q", lib.ErrProtocol, e.Path)
		}
		job, ok := bySig[e.Signature]
		if !ok {
			job = &restoreJob{Signature: e.Signature, Size: e.Size}
			bySig[e.Signature] = job
		}
		job.Destinations = append(job.Destinations, filepath.Join(absDest, local))
		total += e.Size
	}
	ordered := make([]*restoreJob, 0, len(bySig))
	for _, job := range bySig {
		ordered = append(ordered, job)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Signature < ordered[j].Signature })

	c.logger.Info("restoring", "prefix", prefix, "files", len(entries), "contents", len(ordered), "dest", absDest)

	// 2. Set up the worker pool.
	jobs := make(chan restoreJob, 100)
	errs := make(chan error, len(ordered)+1)
	progress := transfer.NewProgress(total, c.reporter)
	counters := &restoreCounters{}
	var wg sync.WaitGroup
	for w := 0; w < max(c.cfg.Concurrency, 1); w++ {
		wg.Add(1)
		go c.restoreWorker(ctx, &wg, sc, progress, counters, jobs, errs)
	}

	// 3. Feed the jobs and wait for the workers to finish.
	for _, job := range ordered {
		jobs <- *job
	}
	close(jobs)
	wg.Wait()
	close(errs)

	var restoreErrs []error
	for err := range errs {
		restoreErrs = append(restoreErrs, err)
	}
	if err := errors.Join(restoreErrs...); err != nil {
		return nil, fmt.Errorf("restore failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &RestoreResult{
		Files:      len(entries),
		Downloaded: int(counters.downloaded.Load()),
		Copied:     int(counters.copied.Load()),
		Skipped:    int(counters.skipped.Load()),
		Bytes:      progress.Done(),
	}, nil
}
