package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tempo "github.com/maxwellau2/tempo-io"
	"github.com/maxwellau2/tempo-io/sqlstore"
)

// session bundles a cache client with the resources backing it.
type session struct {
	cfg    *Config
	client *tempo.Client
	// feed is set for the REST backend only; it is not connected until a
	// command needs live changes.
	feed    *tempo.RealtimeFeed
	closers []func() error
}

// openSession loads the configuration and builds a client over the
// configured backend. extra options are applied last. Callers must Close the
// session.
func openSession(ctx context.Context, extra ...tempo.Option) (_ *session, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger()

	s := &session{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	shutdown, err := setupTracing(ctx)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	s.closers = append(s.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	opts := []tempo.Option{
		tempo.WithConfig(cfg.Cache),
		tempo.WithLogger(logger),
		tempo.WithUserID(cfg.Auth.UserID),
	}
	var backend tempo.Backend
	switch cfg.Default.Backend {
	case "", backendREST:
		if cfg.Auth.Token == "" {
			return nil, errors.New("no token. Run 'tempo init <token>' first")
		}
		var restOpts []tempo.RESTOption
		if cfg.Default.BaseURL != "" {
			restOpts = append(restOpts, tempo.WithBaseURL(cfg.Default.BaseURL))
		}
		rest := tempo.NewRESTBackend(cfg.Auth.Token, restOpts...)
		s.feed = tempo.NewRealtimeFeed(rest.BaseURL(), tempo.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        logger,
		})
		s.closers = append(s.closers, s.feed.Disconnect)
		opts = append(opts, tempo.WithFeed(s.feed))
		backend = rest
	case backendSQLite:
		path, err := databasePath(cfg)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.Open(path, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		backend = store
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: %s, %s)", cfg.Default.Backend, backendREST, backendSQLite)
	}

	s.client = tempo.NewClient(backend, append(opts, extra...)...)
	s.closers = append(s.closers, s.client.Close)
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// team resolves the team to act on: the explicit value, else the configured
// default.
func (s *session) team(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if s.cfg.Default.Team != "" {
		return s.cfg.Default.Team, nil
	}
	return "", errors.New("no team given. Pass --team or run 'tempo config set default.team <id>'")
}

// connectFeed opens the realtime connection when the backend has one.
func (s *session) connectFeed(ctx context.Context) error {
	if s.feed == nil {
		return nil
	}
	if err := s.feed.Connect(ctx); err != nil {
		return fmt.Errorf("realtime connection failed: %w", err)
	}
	return nil
}

func databasePath(cfg *Config) (string, error) {
	if cfg.Default.Database != "" {
		return cfg.Default.Database, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tempo.db"), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
