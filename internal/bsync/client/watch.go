package client

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
)

const (
	eventBufferSize = 64
	// fallbackPollInterval rescans the tree while filesystem events are
	// delivered, to pick up changes the watcher missed.
	fallbackPollInterval = 30 * time.Second
)

// WatchOptions controls Watch.
type WatchOptions struct {
	// Debounce is how long the tree must be quiet before a sync starts.
	Debounce time.Duration
	// OnSync is called after every sync attempt.
	OnSync func(*Result, error)
	// DisableEvents polls at the configured interval instead of watching.
	DisableEvents bool
}

// Watch syncs the tree once and then again whenever it changes, until ctx is
// cancelled. Failed syncs are reported and retried on the next trigger.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = c.cfg.PollInterval
	}

	var events chan notify.EventInfo
	pollInterval := c.cfg.PollInterval
	if !opts.DisableEvents {
		events = make(chan notify.EventInfo, eventBufferSize)
		if err := notify.Watch(filepath.Join(c.root, "..."), events, notify.All); err != nil {
			c.logger.Warn("filesystem events unavailable, polling", "error", err)
			events = nil
		} else {
			defer notify.Stop(events)
			pollInterval = fallbackPollInterval
		}
	}
	c.logger.Info("watch start", "root", c.root, "events", events != nil, "poll", pollInterval)
	defer c.logger.Info("watch stop", "root", c.root)

	stateDir := lib.GetStateDir(c.root)
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	debounce := time.NewTimer(0)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-events:
			if ev == nil || isWithin(stateDir, ev.Path()) {
				continue
			}
			debounce.Reset(opts.Debounce)

		case <-poll.C:
			c.runSync(ctx, opts.OnSync)

		case <-debounce.C:
			c.runSync(ctx, opts.OnSync)
		}
	}
}

func (c *Client) runSync(ctx context.Context, onSync func(*Result, error)) {
	res, err := c.Sync(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if errors.Is(err, lib.ErrTreeLocked) {
			c.logger.Debug("tree busy, skipping sync")
		} else {
			c.logger.Error("sync failed", "error", err)
		}
	}
	if onSync != nil {
		onSync(res, err)
	}
}

func isWithin(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
