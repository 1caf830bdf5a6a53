package commands

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Restore is the main function for the 'restore' command.
func Restore(ctx context.Context, env Env, prefix, outputDir string) error {
	c, err := env.client(".")
	if err != nil {
		return err
	}

	fmt.Fprintf(env.Out, "💧 Restoring \"%s\" from %s to \"%s\"...\n", prefix, env.Config.ServerAddr, outputDir)
	res, err := c.Restore(ctx, prefix, outputDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "   - %d downloaded, %d copied, %d already present\n", res.Downloaded, res.Copied, res.Skipped)
	fmt.Fprintf(env.Out, "✅ Restore complete! %s in %s.\n", humanize.Bytes(uint64(res.Bytes)), pluralize(res.Files, "file"))
	return nil
}
