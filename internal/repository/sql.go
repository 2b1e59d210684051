package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"orderdesk/internal/domain"
)

// SQLOptions настройки SQL-хранилища
type SQLOptions struct {
	// LockTimeout ограничивает ожидание блокировки строки и свободного соединения
	LockTimeout time.Duration
	// Echo логирует каждый SQL-запрос на уровне debug
	Echo   bool
	Logger *slog.Logger
	// MaxConns размер пула (только PostgreSQL)
	MaxConns int32
}

func (o SQLOptions) lockTimeout() time.Duration {
	if o.LockTimeout > 0 {
		return o.LockTimeout
	}
	return DefaultLockTimeout
}

func (o SQLOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// dialect различия между PostgreSQL и SQLite
type dialect struct {
	name string
	// placeholder renders the n-th (1-based) bind parameter
	placeholder func(n int) string
	forUpdate   string
	// lockTimeoutStmt runs right after BEGIN; empty when the driver handles it
	lockTimeoutStmt func(d time.Duration) string
	classify        func(err error) error
}

// rebind заменяет ? на плейсхолдеры диалекта
func (d *dialect) rebind(query string) string {
	if d.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore хранилище поверх database/sql. Каждый unit of work держит своё соединение.
type SQLStore struct {
	db          *sql.DB
	dialect     *dialect
	lockTimeout time.Duration
	echo        bool
	logger      *slog.Logger
	onClose     func()
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d *dialect, opts SQLOptions) *SQLStore {
	return &SQLStore{
		db:          db,
		dialect:     d,
		lockTimeout: opts.lockTimeout(),
		echo:        opts.Echo,
		logger:      opts.logger(),
	}
}

// DB доступ к пулу, для миграций и тестов
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect имя SQL-диалекта
func (s *SQLStore) Dialect() string { return s.dialect.name }

func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *SQLStore) Begin(ctx context.Context) (UnitOfWork, error) {
	// waiting for a pooled connection counts as lock wait
	acquireCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	conn, err := s.db.Conn(acquireCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no free connection after %s", ErrLockTimeout, s.lockTimeout)
		}
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, s.dialect.classify(err)
	}
	u := &sqlTx{store: s, conn: conn, tx: tx}
	if s.dialect.lockTimeoutStmt != nil {
		if _, err := u.exec(ctx, s.dialect.lockTimeoutStmt(s.lockTimeout)); err != nil {
			_ = u.Rollback(ctx)
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}
	u.clients = &sqlClients{&sqlRepo[domain.Client]{tx: u, t: clientColumns}}
	u.categories = &sqlCategories{&sqlRepo[domain.Category]{tx: u, t: categoryColumns}}
	u.products = &sqlProducts{&sqlRepo[domain.Product]{tx: u, t: productColumns}}
	u.orders = &sqlOrders{&sqlRepo[domain.Order]{tx: u, t: orderColumns}}
	u.items = &sqlItems{&sqlRepo[domain.OrderItem]{tx: u, t: itemColumns}}
	return u, nil
}

// sqlTx unit of work: одна транзакция на выделенном соединении
type sqlTx struct {
	store *SQLStore
	conn  *sql.Conn
	tx    *sql.Tx
	done  bool

	clients    *sqlClients
	categories *sqlCategories
	products   *sqlProducts
	orders     *sqlOrders
	items      *sqlItems
}

var _ UnitOfWork = (*sqlTx)(nil)

func (u *sqlTx) Clients() ClientRepository      { return u.clients }
func (u *sqlTx) Categories() CategoryRepository { return u.categories }
func (u *sqlTx) Products() ProductRepository    { return u.products }
func (u *sqlTx) Orders() OrderRepository        { return u.orders }
func (u *sqlTx) Items() OrderItemRepository     { return u.items }

// Flush: statements run eagerly, so staged writes are already visible in the transaction.
func (u *sqlTx) Flush(ctx context.Context) error {
	if u.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (u *sqlTx) Commit(ctx context.Context) error {
	if u.done {
		return ErrTxDone
	}
	err := u.tx.Commit()
	u.finish()
	if err != nil {
		return fmt.Errorf("commit: %w", u.store.dialect.classify(err))
	}
	return nil
}

func (u *sqlTx) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	err := u.tx.Rollback()
	u.finish()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (u *sqlTx) finish() {
	u.done = true
	_ = u.conn.Close()
}

func (u *sqlTx) trace(query string, args []any) {
	if u.store.echo {
		u.store.logger.Debug("sql", "dialect", u.store.dialect.name, "query", query, "args", args)
	}
}

func (u *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if u.done {
		return nil, ErrTxDone
	}
	query = u.store.dialect.rebind(query)
	u.trace(query, args)
	res, err := u.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, u.store.dialect.classify(err)
	}
	return res, nil
}

func (u *sqlTx) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	if u.done {
		return nil, ErrTxDone
	}
	query = u.store.dialect.rebind(query)
	u.trace(query, args)
	return u.tx.QueryRowContext(ctx, query, args...), nil
}

func (u *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if u.done {
		return nil, ErrTxDone
	}
	query = u.store.dialect.rebind(query)
	u.trace(query, args)
	rows, err := u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, u.store.dialect.classify(err)
	}
	return rows, nil
}

// sqlTable отображение сущности на таблицу
type sqlTable[T any] struct {
	name string
	// columns excludes id
	columns []string
	id      func(v *T) *int64
	// values returns column values in columns order
	values func(v *T) []any
	// dest returns scan targets: id first, then columns
	dest    func(v *T) []any
	prepare func(v *T, now time.Time)
}

func (t *sqlTable[T]) selectSQL(where string) string {
	return "SELECT id, " + strings.Join(t.columns, ", ") + " FROM " + t.name + " WHERE " + where + " ORDER BY id"
}

func (t *sqlTable[T]) insertSQL() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	return "INSERT INTO " + t.name + " (" + strings.Join(t.columns, ", ") + ") VALUES (" + marks + ") RETURNING id"
}

func (t *sqlTable[T]) updateSQL() string {
	sets := make([]string, len(t.columns))
	for i, c := range t.columns {
		sets[i] = c + " = ?"
	}
	return "UPDATE " + t.name + " SET " + strings.Join(sets, ", ") + " WHERE id = ?"
}

// sqlRepo обобщённая реализация Repository[T] для SQL
type sqlRepo[T any] struct {
	tx *sqlTx
	t  *sqlTable[T]
}

func (r *sqlRepo[T]) one(ctx context.Context, what, where string, forUpdate bool, args ...any) (*T, error) {
	q := r.t.selectSQL(where)
	if forUpdate {
		q += r.tx.store.dialect.forUpdate
	}
	row, err := r.tx.queryRow(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var v T
	if err := row.Scan(r.t.dest(&v)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", r.t.name, what, ErrNotFound)
		}
		return nil, r.tx.store.dialect.classify(err)
	}
	return &v, nil
}

func (r *sqlRepo[T]) many(ctx context.Context, where string, args ...any) ([]T, error) {
	rows, err := r.tx.query(ctx, r.t.selectSQL(where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var v T
		if err := rows.Scan(r.t.dest(&v)...); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *sqlRepo[T]) Get(ctx context.Context, id int64) (*T, error) {
	return r.one(ctx, strconv.FormatInt(id, 10), "id = ?", false, id)
}

func (r *sqlRepo[T]) GetForUpdate(ctx context.Context, id int64) (*T, error) {
	return r.one(ctx, strconv.FormatInt(id, 10), "id = ?", true, id)
}

func (r *sqlRepo[T]) Add(ctx context.Context, v *T) error {
	if r.t.prepare != nil {
		r.t.prepare(v, time.Now().UTC())
	}
	row, err := r.tx.queryRow(ctx, r.t.insertSQL(), r.t.values(v)...)
	if err != nil {
		return err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		return fmt.Errorf("insert %s: %w", r.t.name, r.tx.store.dialect.classify(err))
	}
	*r.t.id(v) = id
	return nil
}

func (r *sqlRepo[T]) Save(ctx context.Context, v *T) error {
	if r.t.prepare != nil {
		r.t.prepare(v, time.Now().UTC())
	}
	id := *r.t.id(v)
	res, err := r.tx.exec(ctx, r.t.updateSQL(), append(r.t.values(v), id)...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", r.t.name, id, err)
	}
	return r.affected(res, id)
}

func (r *sqlRepo[T]) Delete(ctx context.Context, id int64) error {
	res, err := r.tx.exec(ctx, "DELETE FROM "+r.t.name+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", r.t.name, id, err)
	}
	return r.affected(res, id)
}

func (r *sqlRepo[T]) affected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", r.t.name, id, ErrNotFound)
	}
	return nil
}

// Entity-specific repositories

type sqlClients struct{ *sqlRepo[domain.Client] }

type sqlCategories struct{ *sqlRepo[domain.Category] }

func (r *sqlCategories) ListChildren(ctx context.Context, parentID int64) ([]domain.Category, error) {
	return r.many(ctx, "parent_id = ?", parentID)
}

type sqlProducts struct{ *sqlRepo[domain.Product] }

func (r *sqlProducts) GetByName(ctx context.Context, name string) (*domain.Product, error) {
	return r.one(ctx, "name="+name, "name = ?", false, name)
}

func (r *sqlProducts) ListAvailable(ctx context.Context) ([]domain.Product, error) {
	return r.many(ctx, "stock > 0")
}

type sqlOrders struct{ *sqlRepo[domain.Order] }

func (r *sqlOrders) ListByClient(ctx context.Context, clientID int64) ([]domain.Order, error) {
	return r.many(ctx, "client_id = ?", clientID)
}

type sqlItems struct{ *sqlRepo[domain.OrderItem] }

func (r *sqlItems) GetByOrderAndProduct(ctx context.Context, orderID, productID int64) (*domain.OrderItem, error) {
	return r.one(ctx, fmt.Sprintf("order=%d product=%d", orderID, productID),
		"order_id = ? AND product_id = ?", true, orderID, productID)
}

func (r *sqlItems) ListByOrder(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	return r.many(ctx, "order_id = ?", orderID)
}

// Column mappings

var clientColumns = &sqlTable[domain.Client]{
	name:    "clients",
	columns: []string{"name", "address", "created_at"},
	id:      func(v *domain.Client) *int64 { return &v.ID },
	values:  func(v *domain.Client) []any { return []any{v.Name, v.Address, v.CreatedAt} },
	dest:    func(v *domain.Client) []any { return []any{&v.ID, &v.Name, &v.Address, &v.CreatedAt} },
	prepare: func(v *domain.Client, now time.Time) { stampCreated(&v.CreatedAt, now) },
}

var categoryColumns = &sqlTable[domain.Category]{
	name:    "categories",
	columns: []string{"name", "parent_id", "created_at"},
	id:      func(v *domain.Category) *int64 { return &v.ID },
	values:  func(v *domain.Category) []any { return []any{v.Name, v.ParentID, v.CreatedAt} },
	dest:    func(v *domain.Category) []any { return []any{&v.ID, &v.Name, &v.ParentID, &v.CreatedAt} },
	prepare: func(v *domain.Category, now time.Time) { stampCreated(&v.CreatedAt, now) },
}

var productColumns = &sqlTable[domain.Product]{
	name:    "products",
	columns: []string{"sku", "name", "category_id", "price", "stock", "created_at"},
	id:      func(v *domain.Product) *int64 { return &v.ID },
	values: func(v *domain.Product) []any {
		return []any{v.SKU, v.Name, v.CategoryID, v.Price, v.Stock, v.CreatedAt}
	},
	dest: func(v *domain.Product) []any {
		return []any{&v.ID, &v.SKU, &v.Name, &v.CategoryID, &v.Price, &v.Stock, &v.CreatedAt}
	},
	prepare: func(v *domain.Product, now time.Time) {
		stampCreated(&v.CreatedAt, now)
		v.Price = v.Price.Round(domain.PriceScale)
	},
}

var orderColumns = &sqlTable[domain.Order]{
	name:    "orders",
	columns: []string{"client_id", "status", "created_at"},
	id:      func(v *domain.Order) *int64 { return &v.ID },
	values:  func(v *domain.Order) []any { return []any{v.ClientID, string(v.Status), v.CreatedAt} },
	dest:    func(v *domain.Order) []any { return []any{&v.ID, &v.ClientID, &v.Status, &v.CreatedAt} },
	prepare: func(v *domain.Order, now time.Time) {
		stampCreated(&v.CreatedAt, now)
		if v.Status == "" {
			v.Status = domain.OrderStatusDraft
		}
	},
}

var itemColumns = &sqlTable[domain.OrderItem]{
	name:    "order_items",
	columns: []string{"order_id", "product_id", "quantity", "unit_price", "created_at"},
	id:      func(v *domain.OrderItem) *int64 { return &v.ID },
	values: func(v *domain.OrderItem) []any {
		return []any{v.OrderID, v.ProductID, v.Quantity, v.UnitPrice, v.CreatedAt}
	},
	dest: func(v *domain.OrderItem) []any {
		return []any{&v.ID, &v.OrderID, &v.ProductID, &v.Quantity, &v.UnitPrice, &v.CreatedAt}
	},
	prepare: func(v *domain.OrderItem, now time.Time) {
		stampCreated(&v.CreatedAt, now)
		v.UnitPrice = v.UnitPrice.Round(domain.PriceScale)
	},
}
