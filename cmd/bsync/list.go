package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gingerrexayers/bsync-go/internal/bsync/commands"
)

// NewListCommand creates the 'ls' command for the CLI.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "ls [prefix]",
		Aliases:           []string{"list"},
		Short:             "List the files the server holds.",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: remotePathCompletions,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			return commands.List(cmd.Context(), envFor(cmd), prefix)
		},
	}
	return cmd
}

// remotePathCompletions suggests the directories and files of the remote tree
// one level below what has been typed so far.
func remotePathCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	// Hooks do not run for completions.
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	base := ""
	if i := strings.LastIndex(toComplete, "/"); i >= 0 {
		base = toComplete[:i+1]
	}
	entries, err := commands.RemoteList(ctx, commands.Env{Config: cfg, Logger: discardLogger()}, base)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	seen := make(map[string]bool)
	var suggestions []string
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Path, base)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i+1]
		}
		s := base + rest
		if !strings.HasPrefix(s, toComplete) || seen[s] {
			continue
		}
		seen[s] = true
		suggestions = append(suggestions, s)
	}
	return suggestions, cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveNoSpace
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
