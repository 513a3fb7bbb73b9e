package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tempo "github.com/maxwellau2/tempo-io"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	prev := configFile
	configFile = path
	t.Cleanup(func() { configFile = prev })
	return path
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(t *testing.T, cfg *Config)
		wantErr    string
	}{
		{key: "default.backend", value: "sqlite", check: func(t *testing.T, cfg *Config) { assert.Equal(t, backendSQLite, cfg.Default.Backend) }},
		{key: "default.team", value: "t-1", check: func(t *testing.T, cfg *Config) { assert.Equal(t, "t-1", cfg.Default.Team) }},
		{key: "auth.user_id", value: "u-1", check: func(t *testing.T, cfg *Config) { assert.Equal(t, "u-1", cfg.Auth.UserID) }},
		{key: "cache.page_size", value: "50", check: func(t *testing.T, cfg *Config) { assert.Equal(t, 50, cfg.Cache.PageSize) }},
		{key: "cache.fetch_timeout", value: "3s", check: func(t *testing.T, cfg *Config) { assert.Equal(t, 3*time.Second, cfg.Cache.FetchTimeout.Duration) }},
		{key: "cache.revalidate_on_mount", value: "false", check: func(t *testing.T, cfg *Config) { assert.False(t, cfg.Cache.RevalidateOnMount) }},
		{key: "default.backend", value: "postgres", wantErr: "backend must be"},
		{key: "cache.page_size", value: "0", wantErr: "page_size must be positive"},
		{key: "cache.retry_count", value: "many", wantErr: "must be an integer"},
		{key: "cache.colour", value: "red", wantErr: "unknown field"},
		{key: "token", value: "x", wantErr: "dot notation"},
		{key: "server.port", value: "1", wantErr: "unknown config section"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{Cache: tempo.DefaultConfig()}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestConfigValue(t *testing.T) {
	cfg := &Config{Cache: tempo.DefaultConfig()}
	cfg.Default.Team = "t-1"

	tests := []struct{ key, want string }{
		{"default.team", "t-1"},
		{"default.backend", ""},
		{"cache.page_size", "30"},
		{"cache.dedupe_interval", "2s"},
		{"cache.revalidate_on_mount", "true"},
	}
	for _, tt := range tests {
		got, err := configValue(cfg, tt.key)
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.want, got, tt.key)
	}

	_, err := configValue(cfg, "cache.colour")
	assert.ErrorContains(t, err, "unknown field")
	_, err = configValue(cfg, "server.port")
	assert.ErrorContains(t, err, "unknown config section")
	_, err = configValue(cfg, "team")
	assert.ErrorContains(t, err, "dot notation")
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		useConfigFile(t)
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, tempo.DefaultConfig(), cfg.Cache)
		assert.Empty(t, cfg.Auth.Token)
	})

	t.Run("saved values are read back", func(t *testing.T) {
		path := useConfigFile(t)
		cfg := &Config{Cache: tempo.DefaultConfig()}
		require.NoError(t, setConfigValue(cfg, "auth.token", "tok-123456789"))
		require.NoError(t, setConfigValue(cfg, "cache.dedupe_interval", "500ms"))
		require.NoError(t, saveConfig(cfg))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "[cache]")

		got, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "tok-123456789", got.Auth.Token)
		assert.Equal(t, 500*time.Millisecond, got.Cache.DedupeInterval.Duration)
		assert.Equal(t, 30, got.Cache.PageSize)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := useConfigFile(t)
		require.NoError(t, os.WriteFile(path, []byte("[cache]\npage_size = 10\n"), 0o600))
		t.Setenv("TEMPO_PAGE_SIZE", "25")
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 25, cfg.Cache.PageSize)
	})

	t.Run("invalid cache section", func(t *testing.T) {
		path := useConfigFile(t)
		require.NoError(t, os.WriteFile(path, []byte("[cache]\nfetch_timeout = \"soon\"\n"), 0o600))
		_, err := loadConfig()
		assert.ErrorContains(t, err, "cannot parse config")
	})
}

func TestSessionTeam(t *testing.T) {
	s := &session{cfg: &Config{}}
	_, err := s.team("")
	assert.ErrorContains(t, err, "no team")

	s.cfg.Default.Team = "t-1"
	team, err := s.team("")
	require.NoError(t, err)
	assert.Equal(t, "t-1", team)
	team, err = s.team("t-2")
	require.NoError(t, err)
	assert.Equal(t, "t-2", team)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "eyJhbG...wxyz", maskKey("eyJhbGciOiJIUzI1NiJ9.wxyz"))
}

const replayFixtures = `
tables:
  notes:
    - id: n-1
      user_id: u-1
      title: Groceries
      created_at: "2026-03-01T10:00:00Z"
  team_messages:
    - id: m-1
      team_id: t-1
      user_id: u-2
      content: hello
      created_at: "2026-03-01T09:00:00Z"
changes:
  - table: notes
    type: insert
    record: {id: n-2, user_id: u-1, title: Pushed}
  - table: team_messages
    type: insert
    record: {id: m-2, team_id: t-1, user_id: u-2, content: again, created_at: "2026-03-01T09:05:00Z"}
  - table: notes
    type: delete
    record: {id: n-1}
`

func TestReplayer(t *testing.T) {
	ctx := context.Background()
	mem := tempo.NewMemoryBackend()
	defer mem.Close()
	require.NoError(t, mem.LoadFixtures(strings.NewReader(replayFixtures)))
	client := tempo.NewClient(mem, tempo.WithUserID("u-1"))
	defer client.Close()

	r := &replayer{client: client, team: "t-1", month: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, r.load(ctx))
	require.Len(t, client.Notes().List(), 1)
	require.Len(t, client.Messages().Items("t-1"), 1)

	note, err := tempo.NewChangeEvent(tempo.TableNotes, tempo.ChangeInsert, map[string]any{"id": "n-2", "user_id": "u-1", "title": "Pushed"})
	require.NoError(t, err)
	assert.True(t, r.apply(note))
	assert.False(t, r.apply(note), "a repeated insert changes nothing")

	msg, err := tempo.NewChangeEvent(tempo.TableTeamMessages, tempo.ChangeInsert, tempo.TeamMessage{
		ID: "m-2", TeamID: "t-1", Content: "again", CreatedAt: time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, r.apply(msg))

	gone, err := tempo.NewChangeEvent(tempo.TableNotes, tempo.ChangeDelete, map[string]string{"id": "n-1"})
	require.NoError(t, err)
	assert.True(t, r.apply(gone))

	unknown, err := tempo.NewChangeEvent("audit_log", tempo.ChangeInsert, map[string]string{"id": "a-1"})
	require.NoError(t, err)
	assert.False(t, r.apply(unknown))

	notes := client.Notes().List()
	require.Len(t, notes, 1)
	assert.Equal(t, "Pushed", notes[0].Title)
	items := client.Messages().Items("t-1")
	require.Len(t, items, 2)
	assert.Equal(t, "again", items[1].Content)
}

func TestReplayCommand(t *testing.T) {
	useConfigFile(t)
	path := filepath.Join(t.TempDir(), "replay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(replayFixtures), 0o600))

	rootCmd.SetArgs([]string{"replay", path, "--team", "t-1", "--month", "2026-03"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	rootCmd.SetArgs([]string{"replay", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, rootCmd.ExecuteContext(context.Background()))
}
