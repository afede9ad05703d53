package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/config"
	"github.com/phrazzld/spin-api/internal/platform/postgres"
	"github.com/phrazzld/spin-api/internal/platform/sqlite"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/redact"
)

// backend is the storage the process runs on. db is nil for the memory driver.
type backend struct {
	db     *sql.DB
	ledger activity.Ledger
	broker queue.Broker
}

// openBackend builds the activity ledger and job broker for the configured
// driver. SQLite keeps the ledger on disk and the queue in process.
func openBackend(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := openPostgres(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres ledger and broker")
		return &backend{
			db:     db,
			ledger: postgres.NewPostgresActivityStore(db),
			broker: postgres.NewPostgresJobStore(db),
		}, nil

	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite ledger and in-memory broker", "path", cfg.SQLitePath)
		return &backend{
			db:     db,
			ledger: sqlite.NewActivityStore(db),
			broker: queue.NewMemoryBroker(logger),
		}, nil

	case "memory":
		logger.Warn("using in-memory ledger and broker; nothing survives a restart")
		return &backend{
			ledger: activity.NewMemoryLedger(),
			broker: queue.NewMemoryBroker(logger),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// openPostgres opens a pooled connection and verifies it answers.
func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %s", redact.Error(err))
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %s", redact.Error(err))
	}
	return db, nil
}

func (b *backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
