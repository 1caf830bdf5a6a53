package main

import (
	"github.com/spf13/cobra"

	"github.com/gingerrexayers/bsync-go/internal/bsync/commands"
	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
)

// addClientFlags registers the settings shared by the commands that scan and upload a tree.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().Int("chunk-size", config.DefaultChunkSize, "Upload chunk size in bytes")
	cmd.Flags().IntP("concurrency", "j", config.Default().Concurrency, "Number of parallel uploads")
	cmd.Flags().Int("max-retries", config.DefaultMaxRetries, "Retries of an upload whose content changed in flight")
	cmd.Flags().Bool("follow-symlinks", false, "Follow symbolic links while scanning")
	cmd.Flags().Bool("case-sensitive-paths", true, "Treat paths that differ only in case as distinct")
}

func dirArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// NewSyncCommand creates the 'sync' command for the CLI.
func NewSyncCommand() *cobra.Command {
	var opts commands.SyncOptions

	cmd := &cobra.Command{
		Use:   "sync [directory]",
		Short: "Push the changes of a directory to the server.",
		Long: `Scans the directory, compares it with the state of the last successful
sync and sends only what changed. Content the server already holds is never
uploaded again, and interrupted uploads resume where they stopped.

With --full the directory is compared with the server's listing instead, which
removes remote paths the directory no longer has and resends lost ones. The
first sync of a directory always does this.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return commands.Sync(cmd.Context(), envFor(cmd), dirArg(args), opts)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolVar(&opts.Full, "full", false, "Reconcile against the server's listing instead of the last synced state")
	return cmd
}

// NewStatusCommand creates the 'status' command for the CLI.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [directory]",
		Short: "Show what the next sync would send.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return commands.Status(cmd.Context(), envFor(cmd), dirArg(args))
		},
	}
	cmd.Flags().Bool("follow-symlinks", false, "Follow symbolic links while scanning")
	cmd.Flags().Bool("case-sensitive-paths", true, "Treat paths that differ only in case as distinct")
	return cmd
}

// NewWatchCommand creates the 'watch' command for the CLI.
func NewWatchCommand() *cobra.Command {
	var poll bool

	cmd := &cobra.Command{
		Use:   "watch [directory]",
		Short: "Sync a directory whenever it changes.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return commands.Watch(cmd.Context(), envFor(cmd), dirArg(args), poll)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolVar(&poll, "poll", false, "Poll the directory instead of subscribing to file system events")
	cmd.Flags().Duration("poll-interval", config.DefaultPollInterval, "How often the directory is scanned when polling")
	return cmd
}
