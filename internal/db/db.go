package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"ezquery/internal/config"
	"ezquery/internal/models"
)

const dialTimeout = 5 * time.Second

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens a lazy connection pool; nothing is dialled until first use.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	return Open(cfg.Driver, cfg.DSN())
}

// Open opens dsn with pgdriver (default) or lib/pq.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "", "pgdriver":
		return sql.OpenDB(pgdriver.NewConnector(
			pgdriver.WithDSN(dsn),
			pgdriver.WithDialTimeout(dialTimeout),
		)), nil
	case "pq":
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, models.NewError(models.ErrConfiguration, "connect", fmt.Errorf("failed to open database: %w", err))
		}
		return sqldb, nil
	}
	return nil, models.Errorf(models.ErrConfiguration, "connect", "unsupported database driver %q", driver)
}

// Ping verifies the database is reachable.
func Ping(ctx context.Context, db *bun.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return models.NewError(models.ErrConnectivity, "connect", fmt.Errorf("failed to reach database: %w", err))
	}
	return nil
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(schema, name string) string {
	if schema == "" {
		return pq.QuoteIdentifier(name)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}
