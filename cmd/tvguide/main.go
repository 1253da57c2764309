// Command tvguide synchronizes a Schedules Direct programme guide into
// PostgreSQL and serves it over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voyagen/tvguide/internal/cache"
	"github.com/voyagen/tvguide/internal/config"
	"github.com/voyagen/tvguide/internal/fetcher"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/store"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "tvguide",
	Short:         "Incremental electronic programme guide synchronizer",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Optional config file path (YAML); else use env DATABASE_URL")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tvguide: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file or the environment and configures logging.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	tvlog.Configure(tvlog.Config{
		Level:   cfg.LogLevel,
		Output:  os.Stderr,
		File:    cfg.LogFile,
		Service: "tvguide",
		Version: version,
	})
	return cfg, nil
}

// migrationsPath finds the migrations directory next to the working
// directory or the executable.
func migrationsPath() string {
	abs, err := filepath.Abs("migrations")
	if err != nil {
		abs = "migrations"
	}
	if _, err := os.Stat(abs); err != nil {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), "migrations")
		}
	}
	return "file://" + abs
}

// deps are the long-lived handles shared by the sync and serve commands.
type deps struct {
	cfg    *config.Config
	pg     *store.Postgres
	redis  *cache.Redis // nil when REDIS_URL is not set
	source *fetcher.Client
}

func (d *deps) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pg != nil {
		d.pg.Close()
	}
}

// openDeps migrates the schema, opens the stores and builds the source client.
func openDeps(ctx context.Context) (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := tvlog.WithComponent("cli")

	if err := store.RunMigrations(cfg.DatabaseURL, migrationsPath()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	d := &deps{cfg: cfg, pg: pg}

	opts := fetcher.Options{
		BaseURL:           cfg.BaseURL,
		Username:          cfg.Username,
		PasswordSHA1:      cfg.PasswordSHA1,
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.Timeout,
		Retries:           cfg.FetchRetries,
		RequestsPerSecond: cfg.RequestsPerS,
	}
	if cfg.RedisURL != "" {
		rdb, err := cache.New(cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		if err := rdb.Ping(ctx); err != nil {
			_ = rdb.Close()
			d.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		d.redis = rdb
		opts.Tokens = cache.NewTokenCache(rdb)
		logger.Info().Msg("redis connected (caching, job queue and sync lock enabled)")
	} else {
		logger.Info().Msg("redis disabled (REDIS_URL not set)")
	}
	d.source = fetcher.NewClient(opts)
	return d, nil
}

// catalog returns the read surface, cached when Redis is available.
func (d *deps) catalog() store.Catalog {
	if d.redis == nil {
		return d.pg
	}
	return store.NewCachedCatalog(d.pg, d.redis, tvlog.WithComponent("cache"))
}
