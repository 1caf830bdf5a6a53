// Package commands implements the bsync command-line operations.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/gingerrexayers/bsync-go/internal/bsync/client"
	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// Env carries what every command needs.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	Out    io.Writer
	// Dial overrides the server connection, for tests.
	Dial client.DialFunc
}

func (e Env) client(dir string) (*client.Client, error) {
	return client.New(dir, client.Options{
		Config: e.Config,
		Logger: e.Logger,
		Dial:   e.Dial,
	})
}

// SyncOptions tunes the 'sync' command.
type SyncOptions struct {
	// Full compares the tree with the server's listing instead of the last
	// synced snapshot.
	Full bool
}

// Sync is the main function for the 'sync' command.
func Sync(ctx context.Context, env Env, dir string, opts SyncOptions) error {
	c, err := env.client(dir)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.Out, "🔄 Syncing \"%s\" to %s...\n", c.Root(), env.Config.ServerAddr)
	run := c.Sync
	if opts.Full {
		run = c.SyncFull
	}
	res, err := run(ctx)
	if res != nil && !res.Changes.IsEmpty() {
		fmt.Fprintf(env.Out, "   - Changes: %s\n", res.Changes.Summary())
	}
	if err != nil {
		if errors.Is(err, client.ErrSyncIncomplete) && res != nil {
			for _, p := range res.Pending {
				fmt.Fprintf(env.Out, "   - pending: %s\n", p)
			}
		}
		return fmt.Errorf("sync failed: %w", err)
	}
	printResult(env.Out, res)
	return nil
}

func printResult(out io.Writer, res *client.Result) {
	if res.Changes.IsEmpty() {
		fmt.Fprintf(out, "✅ Already up to date (generation %d).\n", res.Generation)
		return
	}
	fmt.Fprintf(out, "✅ Sync complete (generation %d): %d uploaded, %s transferred, %d paths acknowledged.\n",
		res.Generation, res.Uploaded, humanize.Bytes(uint64(res.Bytes)), len(res.Acknowledged))
}

// Status is the main function for the 'status' command.
func Status(ctx context.Context, env Env, dir string) error {
	c, err := env.client(dir)
	if err != nil {
		return err
	}
	cs, prev, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute status: %w", err)
	}

	if prev.Generation == 0 {
		fmt.Fprintf(env.Out, "\"%s\" has never been synced.\n", c.Root())
	} else {
		fmt.Fprintf(env.Out, "Last synced generation %d at %s.\n", prev.Generation, prev.CapturedAt.Local().Format("2006-01-02 15:04:05 MST"))
	}
	if cs.IsEmpty() {
		fmt.Fprintln(env.Out, "Nothing to sync.")
		return nil
	}

	for _, mv := range cs.Moved {
		fmt.Fprintf(env.Out, "  R %s -> %s\n", mv.From.Path, mv.To.Path)
	}
	for _, rec := range cs.Added {
		fmt.Fprintf(env.Out, "  A %s (%s)\n", rec.Path, humanize.Bytes(uint64(rec.Size)))
	}
	for _, mod := range cs.Modified {
		fmt.Fprintf(env.Out, "  M %s (%s)\n", mod.New.Path, humanize.Bytes(uint64(mod.New.Size)))
	}
	for _, rec := range cs.Removed {
		fmt.Fprintf(env.Out, "  D %s\n", rec.Path)
	}
	fmt.Fprintf(env.Out, "%s; %s of new content.\n", cs.Summary(), humanize.Bytes(uint64(pendingBytes(cs))))
	return nil
}

// pendingBytes sums the sizes of new and changed content.
func pendingBytes(cs types.ChangeSet) int64 {
	var n int64
	for _, rec := range cs.Added {
		n += rec.Size
	}
	for _, mod := range cs.Modified {
		n += mod.New.Size
	}
	return n
}

// Watch is the main function for the 'watch' command. It returns when ctx is cancelled.
func Watch(ctx context.Context, env Env, dir string, disableEvents bool) error {
	c, err := env.client(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "👀 Watching \"%s\" (Ctrl-C to stop)...\n", c.Root())
	return c.Watch(ctx, client.WatchOptions{
		DisableEvents: disableEvents,
		OnSync: func(res *client.Result, err error) {
			switch {
			case errors.Is(err, lib.ErrTreeLocked):
			case err != nil:
				fmt.Fprintf(env.Out, "❌ %v\n", err)
			case !res.Changes.IsEmpty():
				printResult(env.Out, res)
			}
		},
	})
}
