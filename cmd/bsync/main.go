package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gingerrexayers/bsync-go/internal/bsync/client"
	"github.com/gingerrexayers/bsync-go/internal/bsync/commands"
	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var red = color.New(color.FgHiRed, color.Bold).SprintFunc()

// configKeys are the settings that may be overridden by a flag of the same name.
var configKeys = map[string]bool{
	config.KeyFollowSymlinks:     true,
	config.KeyCaseSensitivePaths: true,
	config.KeyChunkSize:          true,
	config.KeyServerAddr:         true,
	config.KeyDataDir:            true,
	config.KeyConcurrency:        true,
	config.KeyMaxRetries:         true,
	config.KeyResumable:          true,
	config.KeyPollInterval:       true,
	config.KeyReclaimInterval:    true,
	config.KeyReclaimGrace:       true,
	config.KeyStagingTTL:         true,
	config.KeyHTTPAddr:           true,
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bsync",
		Short:         "Content-addressed directory sync.",
		Version:       client.Version,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(cmd); err != nil {
				return err
			}
			_, err := loadConfig(cmd)
			return err
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (defaults to ~/.bsync/config.json)")
	rootCmd.PersistentFlags().StringP("server-addr", "s", config.DefaultServerAddr, "Address of the bsync server")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewSyncCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewWatchCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewRestoreCommand())
	rootCmd.AddCommand(NewGCCommand())
	rootCmd.AddCommand(NewCompletionCommand())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		stop()
		os.Exit(1)
	}
}

func setupLogger(cmd *cobra.Command) error {
	var level slog.Level
	name, _ := cmd.Flags().GetString("log-level")
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))
	return nil
}

// loadConfig layers defaults, the config file, BSYNC_* environment variables
// and the flags of cmd, in increasing order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else {
		v.AddConfigPath(filepath.Join(home, ".bsync"))
		v.AddConfigPath(filepath.Join(home, ".config", "bsync"))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if configKeys[key] {
			bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	current = cfg
	return cfg, nil
}

// current is the configuration loaded for the running command.
var current *config.Config

func envFor(cmd *cobra.Command) commands.Env {
	return commands.Env{
		Config: current,
		Logger: slog.Default(),
		Out:    cmd.OutOrStdout(),
	}
}
