package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/protocol"
	"github.com/gingerrexayers/bsync-go/internal/bsync/transfer"
)

const (
	busyWaitMin = 50 * time.Millisecond
	busyWaitMax = 2 * time.Second
)

// supervisor runs the transfer sessions of one sync: at most concurrency at
// once and at most one per signature.
type supervisor struct {
	mux           *protocol.Mux
	chunkSize     int
	concurrency   int
	maxRetries    int
	fingerprinter *lib.Fingerprinter
	progress      *transfer.Progress
	logger        *slog.Logger

	inflight singleflight.Group
	// uploaded counts signatures whose content was sent, sent the bytes.
	uploaded atomic.Int64
	sent     atomic.Int64
}

// uploadAll transfers every source. The first failure cancels the rest.
func (s *supervisor) uploadAll(ctx context.Context, sources []transfer.Source) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.concurrency, 1))
	for _, src := range sources {
		g.Go(func() error {
			_, err, _ := s.inflight.Do(string(src.Signature), func() (any, error) {
				return nil, s.upload(gctx, src)
			})
			return err
		})
	}
	return g.Wait()
}

// upload runs transfer sessions for src until one succeeds. A signature
// mismatch is retried from offset zero up to maxRetries times, unless the
// local file itself no longer has the expected content. While another client
// uploads the same content the session is retried with backoff until that
// upload ends or ctx is done.
func (s *supervisor) upload(ctx context.Context, src transfer.Source) error {
	restart := false
	wait := busyWaitMin
	for attempt := 0; ; {
		receipt, err := transfer.Upload(ctx, s.mux, src, transfer.UploadOptions{
			ChunkSize: s.chunkSize,
			Restart:   restart,
			Progress:  s.progress,
		})
		if receipt != nil {
			s.sent.Add(receipt.Sent)
		}
		if err == nil {
			if !receipt.Present {
				s.uploaded.Add(1)
			}
			s.logger.Debug("uploaded", "path", src.Path, "signature", src.Signature.Short(),
				"present", receipt.Present, "bytes", receipt.Sent, "bound", len(receipt.BoundPaths))
			return nil
		}

		if errors.Is(err, lib.ErrUploadBusy) {
			s.logger.Debug("content is being uploaded by another client, waiting", "path", src.Path, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait = min(2*wait, busyWaitMax)
			continue
		}

		if !errors.Is(err, lib.ErrSignatureMismatch) || attempt >= s.maxRetries {
			return fmt.Errorf("upload of %s failed: %w", src.Path, err)
		}
		attempt++

		fp, ferr := s.fingerprinter.Fresh(src.Path)
		if ferr != nil {
			return ferr
		}
		if fp.Signature != src.Signature {
			return fmt.Errorf("%s changed during sync: %w", src.Path, lib.ErrSignatureMismatch)
		}
		s.logger.Warn("upload rejected, restarting", "path", src.Path, "signature", src.Signature.Short(), "attempt", attempt)
		s.progress.Grow(src.Size)
		restart = true
	}
}
