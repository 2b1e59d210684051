package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.0.0"
)

// Migration версия схемы и DDL для каждого диалекта
type Migration struct {
	Version  string
	Postgres []string
	SQLite   []string
}

func (m Migration) statements(d *dialect) []string {
	if d == postgresDialect {
		return m.Postgres
	}
	return m.SQLite
}

// AllMigrations contains all database migrations
var AllMigrations = []Migration{
	{
		Version:  "1.0.0",
		Postgres: postgresSchemaV1,
		SQLite:   sqliteSchemaV1,
	},
}

var postgresSchemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL CHECK (name <> ''),
		address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL CHECK (name <> ''),
		parent_id BIGINT REFERENCES categories(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_categories_parent ON categories(parent_id)`,
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		sku TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL CHECK (name <> ''),
		category_id BIGINT REFERENCES categories(id),
		price NUMERIC(12, 2) NOT NULL,
		stock BIGINT NOT NULL DEFAULT 0 CONSTRAINT ck_stock_non_negative CHECK (stock >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_name ON products(name)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		client_id BIGINT REFERENCES clients(id),
		status TEXT NOT NULL DEFAULT 'draft',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_client ON orders(client_id)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL REFERENCES products(id),
		quantity BIGINT NOT NULL,
		unit_price NUMERIC(12, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_order_product UNIQUE (order_id, product_id),
		CONSTRAINT ck_quantity_positive CHECK (quantity > 0)
	)`,
}

// SQLite keeps money as TEXT so decimals round-trip exactly.
var sqliteSchemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL CHECK (name <> ''),
		address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL CHECK (name <> ''),
		parent_id INTEGER REFERENCES categories(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_categories_parent ON categories(parent_id)`,
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sku TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL CHECK (name <> ''),
		category_id INTEGER REFERENCES categories(id),
		price TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0 CONSTRAINT ck_stock_non_negative CHECK (stock >= 0),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_name ON products(name)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER REFERENCES clients(id),
		status TEXT NOT NULL DEFAULT 'draft',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_client ON orders(client_id)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id INTEGER NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT uq_order_product UNIQUE (order_id, product_id),
		CONSTRAINT ck_quantity_positive CHECK (quantity > 0)
	)`,
}

// applyMigrations применяет недостающие миграции по возрастанию версии
func applyMigrations(ctx context.Context, db *sql.DB, d *dialect) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	pending := make([]Migration, 0, len(AllMigrations))
	for _, m := range AllMigrations {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return fmt.Errorf("migration %q: %w", m.Version, err)
		}
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return semver.MustParse(pending[i].Version).LessThan(semver.MustParse(pending[j].Version))
	})

	for _, m := range pending {
		if err := applyMigration(ctx, db, d, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_version: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, d *dialect, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements(d) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
		m.Version, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion последняя применённая версия схемы
func SchemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	var latest *semver.Version
	for v := range applied {
		sv, err := semver.NewVersion(v)
		if err != nil {
			return nil, err
		}
		if latest == nil || sv.GreaterThan(latest) {
			latest = sv
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("schema_version: %w", ErrNotFound)
	}
	return latest, nil
}
