package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/gingerrexayers/bsync-go/internal/bsync/client"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// RemoteList fetches the server's tree at or below prefix. A local tree is
// not needed, so any directory serves as the client root.
func RemoteList(ctx context.Context, env Env, prefix string) ([]types.RemoteEntry, error) {
	c, err := client.New(".", client.Options{Config: env.Config, Logger: env.Logger, Dial: env.Dial})
	if err != nil {
		return nil, err
	}
	return c.List(ctx, prefix)
}

// List is the main function for the 'ls' command.
func List(ctx context.Context, env Env, prefix string) error {
	entries, err := RemoteList(ctx, env, prefix)
	if err != nil {
		return fmt.Errorf("failed to list remote tree: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintf(env.Out, "No files found under \"%s\".\n", prefix)
		return nil
	}

	tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNATURE\tSIZE\tPATH")
	var total uint64
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Signature.Short(), humanize.Bytes(uint64(e.Size)), e.Path)
		total += uint64(e.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "\n%s in %s.\n", humanize.Bytes(total), pluralize(len(entries), "file"))
	return nil
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
