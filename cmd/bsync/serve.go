package main

import (
	"github.com/spf13/cobra"

	"github.com/gingerrexayers/bsync-go/internal/bsync/commands"
	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
)

// NewServeCommand creates the 'serve' command for the CLI.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bsync server.",
		Long: `Accepts client connections on the server address and stores synced
content in the data directory until interrupted. When an http address is
given, a read-only explorer of the remote tree is served there as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return commands.Serve(cmd.Context(), envFor(cmd))
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("data-dir", "d", config.DefaultDataDir, "Directory holding the repository")
	cmd.Flags().String("http-addr", "", "Address of the read-only HTTP explorer (disabled when empty)")
	cmd.Flags().Int("chunk-size", config.DefaultChunkSize, "Largest chunk accepted in a single frame, in bytes")
	cmd.Flags().Bool("resumable", true, "Keep partial uploads so that clients can resume them")
	cmd.Flags().Duration("reclaim-interval", config.DefaultReclaimInterval, "How often unreferenced content is reclaimed (0 disables)")
	cmd.Flags().Duration("reclaim-grace", config.DefaultReclaimGrace, "How long unreferenced content is kept before it may be reclaimed")
	cmd.Flags().Duration("staging-ttl", config.DefaultStagingTTL, "How long abandoned partial uploads are kept")
	return cmd
}
