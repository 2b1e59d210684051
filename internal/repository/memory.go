package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orderdesk/internal/domain"
)

// MemoryStore in-memory хранилище: таблицы, генератор ID и блокировки строк.
// Изменения unit of work копятся отдельно и применяются атомарно на Commit.
type MemoryStore struct {
	mu         sync.Mutex
	seq        map[string]int64
	clients    map[int64]domain.Client
	categories map[int64]domain.Category
	products   map[int64]domain.Product
	orders     map[int64]domain.Order
	items      map[int64]domain.OrderItem

	locks       *lockTable
	lockTimeout time.Duration
	txSeq       atomic.Uint64
}

// MemoryOption настройка MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryLockTimeout ограничивает ожидание блокировки строки
func WithMemoryLockTimeout(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		seq:         make(map[string]int64),
		clients:     make(map[int64]domain.Client),
		categories:  make(map[int64]domain.Category),
		products:    make(map[int64]domain.Product),
		orders:      make(map[int64]domain.Order),
		items:       make(map[int64]domain.OrderItem),
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure interfaces
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Begin(ctx context.Context) (UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &memTx{store: m, id: m.txSeq.Add(1)}
	tx.clients = &memClients{newMemRepo(tx, clientTable)}
	tx.categories = &memCategories{newMemRepo(tx, categoryTable)}
	tx.products = &memProducts{newMemRepo(tx, productTable)}
	tx.orders = &memOrders{newMemRepo(tx, orderTable)}
	tx.items = &memItems{newMemRepo(tx, itemTable)}
	return tx, nil
}

func (m *MemoryStore) Close() error { return nil }

// memTx unit of work поверх MemoryStore. Используется одной горутиной.
type memTx struct {
	store *MemoryStore
	id    uint64
	locks []rowKey
	done  bool

	clients    *memClients
	categories *memCategories
	products   *memProducts
	orders     *memOrders
	items      *memItems
}

var _ UnitOfWork = (*memTx)(nil)

func (tx *memTx) Clients() ClientRepository       { return tx.clients }
func (tx *memTx) Categories() CategoryRepository  { return tx.categories }
func (tx *memTx) Products() ProductRepository     { return tx.products }
func (tx *memTx) Orders() OrderRepository         { return tx.orders }
func (tx *memTx) Items() OrderItemRepository      { return tx.items }
func (tx *memTx) Flush(ctx context.Context) error { return tx.active(ctx) }

type stagedTable interface {
	validate() error
	apply()
}

func (tx *memTx) tables() []stagedTable {
	return []stagedTable{tx.clients, tx.categories, tx.products, tx.orders, tx.items}
}

// Commit повторно проверяет ограничения на актуальном состоянии и применяет изменения.
// При ошибке unit of work считается откатанным.
func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	s := tx.store
	s.mu.Lock()
	var err error
	for _, t := range tx.tables() {
		if err = t.validate(); err != nil {
			break
		}
	}
	if err == nil {
		for _, t := range tx.tables() {
			t.apply()
		}
	}
	s.mu.Unlock()
	tx.finish()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memTx) finish() {
	tx.done = true
	tx.store.locks.release(tx.id, tx.locks)
	tx.locks = nil
}

func (tx *memTx) active(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (tx *memTx) lock(ctx context.Context, key rowKey) error {
	if err := tx.store.locks.acquire(ctx, tx.id, key, tx.store.lockTimeout); err != nil {
		return err
	}
	tx.locks = append(tx.locks, key)
	return nil
}

// memTable описание таблицы для обобщённого репозитория
type memTable[T any] struct {
	name string
	rows func(m *MemoryStore) map[int64]T
	id   func(v *T) *int64
	// prepare fills defaults before a row is staged
	prepare func(v *T, now time.Time)
	clone   func(v T) T
	// check runs with store.mu held, on stage and again on commit
	check    func(tx *memTx, v *T) error
	onDelete func(tx *memTx, id int64) error
}

// memRepo обобщённая реализация Repository[T] с локальным набором изменений
type memRepo[T any] struct {
	tx      *memTx
	t       *memTable[T]
	upserts map[int64]T
	deletes map[int64]struct{}
}

func newMemRepo[T any](tx *memTx, t *memTable[T]) *memRepo[T] {
	return &memRepo[T]{
		tx:      tx,
		t:       t,
		upserts: make(map[int64]T),
		deletes: make(map[int64]struct{}),
	}
}

func (r *memRepo[T]) key(id int64) rowKey { return rowKey{table: r.t.name, a: id} }

func (r *memRepo[T]) copy(v T) T {
	if r.t.clone != nil {
		return r.t.clone(v)
	}
	return v
}

func (r *memRepo[T]) notFound(id int64) error {
	return fmt.Errorf("%s %d: %w", r.t.name, id, ErrNotFound)
}

// lookup: caller holds store.mu
func (r *memRepo[T]) lookup(id int64) (T, bool) {
	if _, gone := r.deletes[id]; gone {
		var zero T
		return zero, false
	}
	if v, ok := r.upserts[id]; ok {
		return v, true
	}
	v, ok := r.t.rows(r.tx.store)[id]
	return v, ok
}

func (r *memRepo[T]) exists(id int64) bool {
	_, ok := r.lookup(id)
	return ok
}

// all returns the rows visible to this unit of work ordered by id; caller holds store.mu
func (r *memRepo[T]) all() []T {
	ids := make([]int64, 0, len(r.upserts))
	for id := range r.t.rows(r.tx.store) {
		if _, staged := r.upserts[id]; staged {
			continue
		}
		if _, gone := r.deletes[id]; gone {
			continue
		}
		ids = append(ids, id)
	}
	for id := range r.upserts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v, _ := r.lookup(id)
		out = append(out, r.copy(v))
	}
	return out
}

func (r *memRepo[T]) filter(keep func(v *T) bool) []T {
	out := make([]T, 0)
	for _, v := range r.all() {
		if keep(&v) {
			out = append(out, v)
		}
	}
	return out
}

func (r *memRepo[T]) first(ctx context.Context, what string, keep func(v *T) bool) (*T, error) {
	if err := r.tx.active(ctx); err != nil {
		return nil, err
	}
	r.tx.store.mu.Lock()
	defer r.tx.store.mu.Unlock()
	found := r.filter(keep)
	if len(found) == 0 {
		return nil, fmt.Errorf("%s %s: %w", r.t.name, what, ErrNotFound)
	}
	return &found[0], nil
}

func (r *memRepo[T]) list(ctx context.Context, keep func(v *T) bool) ([]T, error) {
	if err := r.tx.active(ctx); err != nil {
		return nil, err
	}
	r.tx.store.mu.Lock()
	defer r.tx.store.mu.Unlock()
	return r.filter(keep), nil
}

func (r *memRepo[T]) stageDelete(id int64) {
	delete(r.upserts, id)
	r.deletes[id] = struct{}{}
}

func (r *memRepo[T]) Get(ctx context.Context, id int64) (*T, error) {
	if err := r.tx.active(ctx); err != nil {
		return nil, err
	}
	r.tx.store.mu.Lock()
	defer r.tx.store.mu.Unlock()
	v, ok := r.lookup(id)
	if !ok {
		return nil, r.notFound(id)
	}
	cp := r.copy(v)
	return &cp, nil
}

func (r *memRepo[T]) GetForUpdate(ctx context.Context, id int64) (*T, error) {
	if err := r.tx.active(ctx); err != nil {
		return nil, err
	}
	if err := r.tx.lock(ctx, r.key(id)); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *memRepo[T]) Add(ctx context.Context, v *T) error {
	if err := r.tx.active(ctx); err != nil {
		return err
	}
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	row := r.copy(*v)
	if r.t.prepare != nil {
		r.t.prepare(&row, time.Now().UTC())
	}
	if err := r.t.check(r.tx, &row); err != nil {
		return err
	}
	s.seq[r.t.name]++
	id := s.seq[r.t.name]
	*r.t.id(&row) = id
	r.upserts[id] = row
	*v = r.copy(row)
	return nil
}

func (r *memRepo[T]) Save(ctx context.Context, v *T) error {
	if err := r.tx.active(ctx); err != nil {
		return err
	}
	id := *r.t.id(v)
	// UPDATE takes the row lock implicitly
	if err := r.tx.lock(ctx, r.key(id)); err != nil {
		return err
	}
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if !r.exists(id) {
		return r.notFound(id)
	}
	row := r.copy(*v)
	if r.t.prepare != nil {
		r.t.prepare(&row, time.Now().UTC())
	}
	if err := r.t.check(r.tx, &row); err != nil {
		return err
	}
	r.upserts[id] = row
	*v = r.copy(row)
	return nil
}

func (r *memRepo[T]) Delete(ctx context.Context, id int64) error {
	if err := r.tx.active(ctx); err != nil {
		return err
	}
	if err := r.tx.lock(ctx, r.key(id)); err != nil {
		return err
	}
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if !r.exists(id) {
		return r.notFound(id)
	}
	if r.t.onDelete != nil {
		if err := r.t.onDelete(r.tx, id); err != nil {
			return err
		}
	}
	r.stageDelete(id)
	return nil
}

func (r *memRepo[T]) validate() error {
	for _, v := range r.upserts {
		if err := r.t.check(r.tx, &v); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepo[T]) apply() {
	rows := r.t.rows(r.tx.store)
	for id := range r.deletes {
		delete(rows, id)
	}
	for id, v := range r.upserts {
		rows[id] = v
	}
}

// Entity-specific repositories

type memClients struct{ *memRepo[domain.Client] }

type memCategories struct{ *memRepo[domain.Category] }

func (r *memCategories) ListChildren(ctx context.Context, parentID int64) ([]domain.Category, error) {
	return r.list(ctx, func(c *domain.Category) bool {
		return c.ParentID != nil && *c.ParentID == parentID
	})
}

type memProducts struct{ *memRepo[domain.Product] }

func (r *memProducts) GetByName(ctx context.Context, name string) (*domain.Product, error) {
	return r.first(ctx, "name="+name, func(p *domain.Product) bool { return p.Name == name })
}

func (r *memProducts) ListAvailable(ctx context.Context) ([]domain.Product, error) {
	return r.list(ctx, func(p *domain.Product) bool { return p.Stock > 0 })
}

type memOrders struct{ *memRepo[domain.Order] }

func (r *memOrders) ListByClient(ctx context.Context, clientID int64) ([]domain.Order, error) {
	return r.list(ctx, func(o *domain.Order) bool {
		return o.ClientID != nil && *o.ClientID == clientID
	})
}

type memItems struct{ *memRepo[domain.OrderItem] }

func (r *memItems) GetByOrderAndProduct(ctx context.Context, orderID, productID int64) (*domain.OrderItem, error) {
	if err := r.tx.active(ctx); err != nil {
		return nil, err
	}
	// lock the natural key so a concurrent insert of the same pair waits
	if err := r.tx.lock(ctx, rowKey{table: r.t.name + "#order_product", a: orderID, b: productID}); err != nil {
		return nil, err
	}
	return r.first(ctx, fmt.Sprintf("order=%d product=%d", orderID, productID), func(it *domain.OrderItem) bool {
		return it.OrderID == orderID && it.ProductID == productID
	})
}

func (r *memItems) ListByOrder(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	return r.list(ctx, func(it *domain.OrderItem) bool { return it.OrderID == orderID })
}

// Table definitions: defaults and the constraints the SQL schema declares.

func constraintf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConstraint}, args...)...)
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func stampCreated(t *time.Time, now time.Time) {
	if t.IsZero() {
		*t = now
	}
}

var clientTable = &memTable[domain.Client]{
	name:    "clients",
	rows:    func(m *MemoryStore) map[int64]domain.Client { return m.clients },
	id:      func(v *domain.Client) *int64 { return &v.ID },
	prepare: func(v *domain.Client, now time.Time) { stampCreated(&v.CreatedAt, now) },
	check: func(tx *memTx, v *domain.Client) error {
		if strings.TrimSpace(v.Name) == "" {
			return constraintf("clients.name must not be empty")
		}
		return nil
	},
	onDelete: func(tx *memTx, id int64) error {
		refs := tx.orders.filter(func(o *domain.Order) bool { return o.ClientID != nil && *o.ClientID == id })
		if len(refs) > 0 {
			return constraintf("client %d is referenced by %d orders", id, len(refs))
		}
		return nil
	},
}

var categoryTable = &memTable[domain.Category]{
	name:    "categories",
	rows:    func(m *MemoryStore) map[int64]domain.Category { return m.categories },
	id:      func(v *domain.Category) *int64 { return &v.ID },
	prepare: func(v *domain.Category, now time.Time) { stampCreated(&v.CreatedAt, now) },
	clone: func(v domain.Category) domain.Category {
		v.ParentID = cloneInt64(v.ParentID)
		return v
	},
	check: func(tx *memTx, v *domain.Category) error {
		if strings.TrimSpace(v.Name) == "" {
			return constraintf("categories.name must not be empty")
		}
		if v.ParentID != nil && *v.ParentID != v.ID && !tx.categories.exists(*v.ParentID) {
			return constraintf("categories.parent_id %d references missing category", *v.ParentID)
		}
		return nil
	},
	onDelete: func(tx *memTx, id int64) error {
		refs := tx.products.filter(func(p *domain.Product) bool { return p.CategoryID != nil && *p.CategoryID == id })
		if len(refs) > 0 {
			return constraintf("category %d is referenced by %d products", id, len(refs))
		}
		// ON DELETE SET NULL
		for _, child := range tx.categories.filter(func(c *domain.Category) bool { return c.ParentID != nil && *c.ParentID == id }) {
			child.ParentID = nil
			tx.categories.upserts[child.ID] = child
		}
		return nil
	},
}

var productTable = &memTable[domain.Product]{
	name: "products",
	rows: func(m *MemoryStore) map[int64]domain.Product { return m.products },
	id:   func(v *domain.Product) *int64 { return &v.ID },
	prepare: func(v *domain.Product, now time.Time) {
		stampCreated(&v.CreatedAt, now)
		v.Price = v.Price.Round(domain.PriceScale)
	},
	clone: func(v domain.Product) domain.Product {
		v.CategoryID = cloneInt64(v.CategoryID)
		return v
	},
	check: func(tx *memTx, v *domain.Product) error {
		if strings.TrimSpace(v.Name) == "" {
			return constraintf("products.name must not be empty")
		}
		if v.Stock < 0 {
			return constraintf("products.stock must be >= 0, got %d", v.Stock)
		}
		if v.CategoryID != nil && !tx.categories.exists(*v.CategoryID) {
			return constraintf("products.category_id %d references missing category", *v.CategoryID)
		}
		return nil
	},
	onDelete: func(tx *memTx, id int64) error {
		refs := tx.items.filter(func(it *domain.OrderItem) bool { return it.ProductID == id })
		if len(refs) > 0 {
			return constraintf("product %d is referenced by %d order items", id, len(refs))
		}
		return nil
	},
}

var orderTable = &memTable[domain.Order]{
	name: "orders",
	rows: func(m *MemoryStore) map[int64]domain.Order { return m.orders },
	id:   func(v *domain.Order) *int64 { return &v.ID },
	prepare: func(v *domain.Order, now time.Time) {
		stampCreated(&v.CreatedAt, now)
		if v.Status == "" {
			v.Status = domain.OrderStatusDraft
		}
	},
	clone: func(v domain.Order) domain.Order {
		v.ClientID = cloneInt64(v.ClientID)
		return v
	},
	check: func(tx *memTx, v *domain.Order) error {
		if v.ClientID != nil && !tx.clients.exists(*v.ClientID) {
			return constraintf("orders.client_id %d references missing client", *v.ClientID)
		}
		return nil
	},
	onDelete: func(tx *memTx, id int64) error {
		// ON DELETE CASCADE
		for _, it := range tx.items.filter(func(it *domain.OrderItem) bool { return it.OrderID == id }) {
			tx.items.stageDelete(it.ID)
		}
		return nil
	},
}

var itemTable = &memTable[domain.OrderItem]{
	name: "order_items",
	rows: func(m *MemoryStore) map[int64]domain.OrderItem { return m.items },
	id:   func(v *domain.OrderItem) *int64 { return &v.ID },
	prepare: func(v *domain.OrderItem, now time.Time) {
		stampCreated(&v.CreatedAt, now)
		v.UnitPrice = v.UnitPrice.Round(domain.PriceScale)
	},
	check: func(tx *memTx, v *domain.OrderItem) error {
		if v.Quantity <= 0 {
			return constraintf("order_items.quantity must be > 0, got %d", v.Quantity)
		}
		if !tx.orders.exists(v.OrderID) {
			return constraintf("order_items.order_id %d references missing order", v.OrderID)
		}
		if !tx.products.exists(v.ProductID) {
			return constraintf("order_items.product_id %d references missing product", v.ProductID)
		}
		for _, other := range tx.items.all() {
			if other.ID != v.ID && other.OrderID == v.OrderID && other.ProductID == v.ProductID {
				return constraintf("order_items (order_id, product_id)=(%d, %d) already exists", v.OrderID, v.ProductID)
			}
		}
		return nil
	},
}
