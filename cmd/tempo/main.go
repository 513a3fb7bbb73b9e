package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	tempo "github.com/maxwellau2/tempo-io"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tempo/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   tempo.Config  `toml:"cache"`
}

// ConfigDefault selects the backend and the default team.
type ConfigDefault struct {
	Backend  string `toml:"backend"`
	BaseURL  string `toml:"base_url"`
	Database string `toml:"database"`
	Team     string `toml:"team"`
}

// ConfigAuth holds the session used against the backend.
type ConfigAuth struct {
	Token         string `toml:"token"`
	UserID        string `toml:"user_id"`
	WebhookSecret string `toml:"webhook_secret"`
}

const (
	backendREST   = "rest"
	backendSQLite = "sqlite"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.tempo, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tempo")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies TEMPO_*
// environment overrides to the cache section.
// If the file does not exist, the cache section holds the defaults.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{Cache: tempo.DefaultConfig()}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg.Cache, env.Options{Prefix: tempo.EnvPrefix}); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	if err := cfg.Cache.Validate(); err != nil {
		return nil, fmt.Errorf("invalid [cache] section: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "backend":
			if value != backendREST && value != backendSQLite {
				return fmt.Errorf("backend must be %q or %q", backendREST, backendSQLite)
			}
			cfg.Default.Backend = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "database":
			cfg.Default.Database = value
		case "team":
			cfg.Default.Team = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "webhook_secret":
			cfg.Auth.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		return setCacheValue(&cfg.Cache, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, cache)", section)
	}
	return nil
}

func setCacheValue(c *tempo.Config, field, value string) error {
	parseInt := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", field, err)
		}
		*dst = n
		return nil
	}
	parseBool := func(dst *bool) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s must be true or false: %w", field, err)
		}
		*dst = b
		return nil
	}
	parseDuration := func(dst *tempo.Duration) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s must be a duration such as 2s: %w", field, err)
		}
		dst.Duration = d
		return nil
	}

	var err error
	switch field {
	case "revalidate_on_mount":
		err = parseBool(&c.RevalidateOnMount)
	case "revalidate_on_reconnect":
		err = parseBool(&c.RevalidateOnReconnect)
	case "dedupe_interval":
		err = parseDuration(&c.DedupeInterval)
	case "retry_count":
		err = parseInt(&c.RetryCount)
	case "retry_base_delay":
		err = parseDuration(&c.RetryBaseDelay)
	case "retry_max_delay":
		err = parseDuration(&c.RetryMaxDelay)
	case "fetch_timeout":
		err = parseDuration(&c.FetchTimeout)
	case "cache_capacity":
		err = parseInt(&c.CacheCapacity)
	case "page_size":
		err = parseInt(&c.PageSize)
	default:
		return fmt.Errorf("unknown field %q in section [cache]", field)
	}
	if err != nil {
		return err
	}
	return c.Validate()
}

// ============================================================================
// Root command
// ============================================================================

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "tempo",
	Short:        "Tempo workspace CLI",
	Long:         "Command-line interface for the Tempo workspace.\nBrowse notes, tasks and team chat through the local sync cache.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.tempo/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log cache activity to stderr")
}

// newLogger returns the stderr logger shared by every command.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
