package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/vertex-balancer/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/vertex-balancer/internal/config"
	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

// Store bundles the ports one database engine serves, plus the maintenance
// surface the janitor and shutdown path need.
type Store interface {
	domain.TargetStore
	domain.SettingsSource
	domain.RequestLogSink
	SeedSettings(ctx context.Context, st domain.Settings) error
	PruneLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Provide opens the configured engine, applies migrations, and seeds the
// settings row. Connection attempts retry with exponential backoff so the
// service survives a database that is still starting.
func Provide(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.DBEngine {
	case "sqlite", "sqlite3":
		return provideSqlite(ctx, cfg)
	case "postgres", "postgresql":
		return providePostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported db engine: %s", cfg.DBEngine)
	}
}

func provideSqlite(ctx context.Context, cfg config.Config) (Store, error) {
	st, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, st.DB(), "sqlite"); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.SeedSettings(ctx, cfg.SeedSettings()); err != nil {
		_ = st.Close()
		return nil, err
	}
	slog.Info("store ready", slog.String("engine", "sqlite"), slog.String("path", cfg.SQLitePath))
	return st, nil
}

func providePostgres(ctx context.Context, cfg config.Config) (Store, error) {
	// Migrations run through database/sql; the store itself uses the pgx pool.
	mdb, err := sql.Open("pgx", cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = mdb.Close() }()

	if err := pingWithBackoff(ctx, mdb); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := runMigrations(ctx, mdb, "postgres"); err != nil {
		return nil, err
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	st := postgres.NewStoreWithPool(pool)
	if err := st.SeedSettings(ctx, cfg.SeedSettings()); err != nil {
		_ = st.Close()
		return nil, err
	}
	slog.Info("store ready", slog.String("engine", "postgres"))
	return st, nil
}

func pingWithBackoff(ctx context.Context, db *sql.DB) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx))
}
