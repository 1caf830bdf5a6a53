// Package config holds the settings shared by the bsync client and server.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "BSYNC"

	DefaultServerAddr      = "127.0.0.1:7420"
	DefaultChunkSize       = 1 << 20
	DefaultMaxRetries      = 3
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultReclaimInterval = 10 * time.Minute
	DefaultReclaimGrace    = time.Minute
	DefaultStagingTTL      = 24 * time.Hour

	// MaxChunkSize bounds a single BlobChunk frame.
	MaxChunkSize = 16 << 20
)

// Keys under which settings are looked up in viper.
const (
	KeyFollowSymlinks     = "follow_symlinks"
	KeyCaseSensitivePaths = "case_sensitive_paths"
	KeyChunkSize          = "chunk_size"
	KeyServerAddr         = "server_addr"
	KeyDataDir            = "data_dir"
	KeyConcurrency        = "concurrency"
	KeyMaxRetries         = "max_retries"
	KeyResumable          = "resumable"
	KeyPollInterval       = "poll_interval"
	KeyReclaimInterval    = "reclaim_interval"
	KeyReclaimGrace       = "reclaim_grace"
	KeyStagingTTL         = "staging_ttl"
	KeyHTTPAddr           = "http_addr"
)

var (
	home, _        = os.UserHomeDir()
	DefaultDataDir = filepath.Join(home, ".bsync-server")

	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	FollowSymlinks     bool          `json:"follow_symlinks"`
	CaseSensitivePaths bool          `json:"case_sensitive_paths"`
	ChunkSizeBytes     int           `json:"chunk_size"`
	ServerAddr         string        `json:"server_addr"`
	DataDir            string        `json:"data_dir"`
	Concurrency        int           `json:"concurrency"`
	MaxRetries         int           `json:"max_retries"`
	Resumable          bool          `json:"resumable"`
	PollInterval       time.Duration `json:"poll_interval"`
	ReclaimInterval    time.Duration `json:"reclaim_interval"`
	ReclaimGrace       time.Duration `json:"reclaim_grace"`
	StagingTTL         time.Duration `json:"staging_ttl"`
	// HTTPAddr enables the read-only explorer when non-empty.
	HTTPAddr string `json:"http_addr"`
	// Path is the config file that was read, if any.
	Path string `json:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		FollowSymlinks:     false,
		CaseSensitivePaths: true,
		ChunkSizeBytes:     DefaultChunkSize,
		ServerAddr:         DefaultServerAddr,
		DataDir:            DefaultDataDir,
		Concurrency:        runtime.NumCPU(),
		MaxRetries:         DefaultMaxRetries,
		Resumable:          true,
		PollInterval:       DefaultPollInterval,
		ReclaimInterval:    DefaultReclaimInterval,
		ReclaimGrace:       DefaultReclaimGrace,
		StagingTTL:         DefaultStagingTTL,
	}
}

// SetDefaults registers the built-in values with v so that flags, environment
// variables and the config file only need to override what they change.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyFollowSymlinks, d.FollowSymlinks)
	v.SetDefault(KeyCaseSensitivePaths, d.CaseSensitivePaths)
	v.SetDefault(KeyChunkSize, d.ChunkSizeBytes)
	v.SetDefault(KeyServerAddr, d.ServerAddr)
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyConcurrency, d.Concurrency)
	v.SetDefault(KeyMaxRetries, d.MaxRetries)
	v.SetDefault(KeyResumable, d.Resumable)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyReclaimInterval, d.ReclaimInterval)
	v.SetDefault(KeyReclaimGrace, d.ReclaimGrace)
	v.SetDefault(KeyStagingTTL, d.StagingTTL)
	v.SetDefault(KeyHTTPAddr, d.HTTPAddr)
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		FollowSymlinks:     v.GetBool(KeyFollowSymlinks),
		CaseSensitivePaths: v.GetBool(KeyCaseSensitivePaths),
		ChunkSizeBytes:     v.GetInt(KeyChunkSize),
		ServerAddr:         v.GetString(KeyServerAddr),
		DataDir:            v.GetString(KeyDataDir),
		Concurrency:        v.GetInt(KeyConcurrency),
		MaxRetries:         v.GetInt(KeyMaxRetries),
		Resumable:          v.GetBool(KeyResumable),
		PollInterval:       v.GetDuration(KeyPollInterval),
		ReclaimInterval:    v.GetDuration(KeyReclaimInterval),
		ReclaimGrace:       v.GetDuration(KeyReclaimGrace),
		StagingTTL:         v.GetDuration(KeyStagingTTL),
		HTTPAddr:           v.GetString(KeyHTTPAddr),
		Path:               v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes the data directory to an absolute path.
func (c *Config) Validate() error {
	if c.ChunkSizeBytes <= 0 || c.ChunkSizeBytes > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d must be between 1 and %d", ErrInvalidConfig, c.ChunkSizeBytes, MaxChunkSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.ReclaimInterval < 0 || c.ReclaimGrace < 0 || c.StagingTTL < 0 {
		return fmt.Errorf("%w: reclaim interval, reclaim grace and staging ttl must not be negative", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.ServerAddr); err != nil {
		return fmt.Errorf("%w: server addr %q: %w", ErrInvalidConfig, c.ServerAddr, err)
	}
	if c.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
			return fmt.Errorf("%w: http addr %q: %w", ErrInvalidConfig, c.HTTPAddr, err)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data dir is required", ErrInvalidConfig)
	}
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("%w: data dir: %w", ErrInvalidConfig, err)
	}
	c.DataDir = dataDir
	return nil
}
