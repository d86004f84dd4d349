// Package postgres provides the PostgreSQL-backed metadata store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/internal/metadata/sqlstore"
	"github.com/fruitsalade/restfs/internal/metrics"
	"github.com/fruitsalade/restfs/pkg/retry"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store is a PostgreSQL metadata store.
type Store struct {
	*sqlstore.Store
}

// New connects to PostgreSQL, retrying the initial ping up to attempts
// times, and applies the embedded migrations.
func New(ctx context.Context, databaseURL string, attempts int) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialWait = 500 * time.Millisecond
	err = retry.Do(ctx, cfg, func() error {
		if err := db.PingContext(ctx); err != nil {
			logging.Warn("database not reachable yet", zap.Error(err))
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{Store: sqlstore.New(db, sqlstore.Postgres{})}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs the embedded SQL migrations in name order. Every migration
// is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.DB().ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.DB().Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}
