package main

import (
	"github.com/spf13/cobra"

	"github.com/gingerrexayers/bsync-go/internal/bsync/commands"
	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
)

// NewRestoreCommand creates the 'restore' command for the CLI.
func NewRestoreCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "restore [prefix]",
		Short: "Download the remote tree into a directory.",
		Long: `Downloads every remote file at or below the prefix into the output
directory. Files that already hold the right content are left alone, and
content shared by several paths is downloaded only once.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: remotePathCompletions,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			return commands.Restore(cmd.Context(), envFor(cmd), prefix, outputDir)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "The directory to restore files to")
	cmd.Flags().IntP("concurrency", "j", config.Default().Concurrency, "Number of parallel downloads")
	return cmd
}
