package main

import (
	"github.com/spf13/cobra"

	"github.com/gingerrexayers/bsync-go/internal/bsync/commands"
	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
)

// NewGCCommand creates the 'gc' command for the CLI.
func NewGCCommand() *cobra.Command {
	var opts commands.GCOptions

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim unreferenced content from the repository.",
		Long: `Removes stored content that no path references anymore, along with
partial uploads older than the staging ttl. The server must not be running
on the same data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return commands.GC(cmd.Context(), envFor(cmd), opts)
		},
	}

	cmd.Flags().StringP("data-dir", "d", config.DefaultDataDir, "Directory holding the repository")
	cmd.Flags().Duration("reclaim-grace", config.DefaultReclaimGrace, "How long unreferenced content is kept before it may be reclaimed")
	cmd.Flags().Duration("staging-ttl", config.DefaultStagingTTL, "How long abandoned partial uploads are kept")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "Check reference counts after reclaiming")
	return cmd
}
