package tempo

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "TEMPO_"

// ============================================================================
// Config
// ============================================================================

// Config holds the cache policy knobs.
type Config struct {
	RevalidateOnMount     bool     `toml:"revalidate_on_mount" env:"REVALIDATE_ON_MOUNT"`
	RevalidateOnReconnect bool     `toml:"revalidate_on_reconnect" env:"REVALIDATE_ON_RECONNECT"`
	DedupeInterval        Duration `toml:"dedupe_interval" env:"DEDUPE_INTERVAL"`
	RetryCount            int      `toml:"retry_count" env:"RETRY_COUNT"`
	RetryBaseDelay        Duration `toml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay         Duration `toml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	FetchTimeout          Duration `toml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	CacheCapacity         int      `toml:"cache_capacity" env:"CACHE_CAPACITY"`
	PageSize              int      `toml:"page_size" env:"PAGE_SIZE"`
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RevalidateOnMount:     true,
		RevalidateOnReconnect: true,
		DedupeInterval:        Duration{2 * time.Second},
		RetryCount:            3,
		RetryBaseDelay:        Duration{250 * time.Millisecond},
		RetryMaxDelay:         Duration{5 * time.Second},
		FetchTimeout:          Duration{15 * time.Second},
		CacheCapacity:         DefaultCapacity,
		PageSize:              30,
	}
}

// LoadConfig layers a TOML file and then TEMPO_* environment variables over
// DefaultConfig. A missing file is not an error; an empty path skips it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("cannot read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("cannot parse config: %w", err)
			}
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("cannot parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the cache cannot run with.
func (c Config) Validate() error {
	switch {
	case c.PageSize <= 0:
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	case c.RetryCount < 0:
		return fmt.Errorf("retry_count must not be negative, got %d", c.RetryCount)
	case c.FetchTimeout.Duration <= 0:
		return fmt.Errorf("fetch_timeout must be positive, got %s", c.FetchTimeout)
	case c.RetryMaxDelay.Duration < c.RetryBaseDelay.Duration:
		return fmt.Errorf("retry_max_delay %s is below retry_base_delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	return nil
}

// Duration is a time.Duration read from and written as "1m30s" style text.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}
