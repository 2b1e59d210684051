package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLite has no row locks: every transaction starts with BEGIN IMMEDIATE (_txlock=immediate),
// which takes the database write lock up front and serializes writers.
var sqliteDialect = &dialect{
	name:     "sqlite",
	classify: classifySQLite,
}

// classifySQLite works on message text, identical for both drivers
func classifySQLite(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %s", ErrLockTimeout, msg)
	case strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%w: %s", ErrConstraint, msg)
	}
	return err
}

func withQuery(path, params string) string {
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// OpenSQLite открывает файл SQLite (или ":memory:") и применяет миграции
func OpenSQLite(ctx context.Context, path string, opts SQLOptions) (*SQLStore, error) {
	db, err := sql.Open(SQLiteDriverName, sqliteDSN(path, opts.lockTimeout()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite benefits from single writer; also keeps ":memory:" alive on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := applyMigrations(ctx, db, sqliteDialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return newSQLStore(db, sqliteDialect, opts), nil
}
