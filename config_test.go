package tempo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults when nothing is configured", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tempo.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
dedupe_interval = "5s"
page_size = 50
revalidate_on_mount = false
`), 0o644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.DedupeInterval.Duration)
		assert.Equal(t, 50, cfg.PageSize)
		assert.False(t, cfg.RevalidateOnMount)
		assert.Equal(t, 3, cfg.RetryCount)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tempo.toml")
		require.NoError(t, os.WriteFile(path, []byte(`page_size = 50`), 0o644))
		t.Setenv("TEMPO_PAGE_SIZE", "10")
		t.Setenv("TEMPO_FETCH_TIMEOUT", "1m")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.PageSize)
		assert.Equal(t, time.Minute, cfg.FetchTimeout.Duration)
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tempo.toml")
		require.NoError(t, os.WriteFile(path, []byte(`dedupe_interval = "soon"`), 0o644))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("TEMPO_PAGE_SIZE", "0")
		_, err := LoadConfig("")
		assert.ErrorContains(t, err, "page_size")
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.RetryCount = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RetryMaxDelay = Duration{time.Millisecond}
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.FetchTimeout = Duration{}
	assert.Error(t, bad.Validate())
}

func TestDurationText(t *testing.T) {
	data, err := toml.Marshal(struct {
		D Duration `toml:"d"`
	}{Duration{90 * time.Second}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `1m30s`)

	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, d.Duration)
	assert.Error(t, d.UnmarshalText([]byte("later")))
}
