package commands

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/gingerrexayers/bsync-go/internal/bsync/repository"
)

// GCOptions holds the configuration for the gc command.
type GCOptions struct {
	// Verify cross-checks reference counts after reclaiming.
	Verify bool
}

// GC is the main function for the 'gc' command. It opens the data directory
// directly, so it fails while a server holds it.
func GC(ctx context.Context, env Env, options GCOptions) error {
	repo, err := repository.Open(env.Config.DataDir, repository.Options{
		StagingTTL:   env.Config.StagingTTL,
		ReclaimGrace: env.Config.ReclaimGrace,
		Logger:       env.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	fmt.Fprintf(env.Out, "🧹 Reclaiming unreferenced content in \"%s\"...\n", repo.Dir())
	before, err := repo.Stats(ctx)
	if err != nil {
		return err
	}

	res, err := repo.Reclaim(ctx)
	if err != nil {
		return fmt.Errorf("reclaim failed: %w", err)
	}
	after, err := repo.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.Out, "   - Removed %d of %d blobs (%s)\n", res.BlobsRemoved, before.Blobs, humanize.Bytes(uint64(res.BytesRemoved)))
	fmt.Fprintf(env.Out, "   - Removed %d objects and %d packs\n", res.ObjectsRemoved, res.PacksRemoved)
	fmt.Fprintf(env.Out, "   - Expired %d staged uploads\n", res.StagingExpired)
	fmt.Fprintf(env.Out, "✅ GC complete! %d blobs, %d paths, %s stored for %s of files.\n",
		after.Blobs, after.Paths, humanize.Bytes(uint64(after.StoredBytes)), humanize.Bytes(uint64(after.LogicalBytes)))

	if !options.Verify {
		return nil
	}
	problems, err := repo.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	if len(problems) == 0 {
		fmt.Fprintln(env.Out, "   - Reference counts verified.")
		return nil
	}
	for _, p := range problems {
		fmt.Fprintf(env.Out, "   - %s: refcount %d, %d bound paths\n", p.Signature.Short(), p.RefCount, p.Bound)
	}
	return fmt.Errorf("%d blobs have inconsistent reference counts", len(problems))
}
