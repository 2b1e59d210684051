package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = &dialect{
	name:        "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	forUpdate:   " FOR UPDATE",
	lockTimeoutStmt: func(d time.Duration) string {
		return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.Milliseconds())
	},
	classify: classifyPostgres,
}

// classifyPostgres сопоставляет SQLSTATE с ошибками репозитория
func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "55P03", pgErr.Code == "40P01":
		// lock_not_available, deadlock_detected
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	case strings.HasPrefix(pgErr.Code, "23"):
		return fmt.Errorf("%w: %s (%s)", ErrConstraint, pgErr.Message, pgErr.ConstraintName)
	}
	return err
}

// OpenPostgres подключается к PostgreSQL через пул pgx и применяет миграции
func OpenPostgres(ctx context.Context, connString string, opts SQLOptions) (*SQLStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 25
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := applyMigrations(ctx, db, postgresDialect); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	store := newSQLStore(db, postgresDialect, opts)
	store.onClose = pool.Close
	return store, nil
}
