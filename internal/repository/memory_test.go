package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/internal/domain"
)

func TestMemoryStore_UncommittedWritesInvisible(t *testing.T) {
	s := NewMemoryStore()
	f := seedFixture(t, s)
	ctx := context.Background()

	writer := begin(t, s)
	p, err := writer.Products().GetForUpdate(ctx, f.product.ID)
	require.NoError(t, err)
	p.Stock = 1
	require.NoError(t, writer.Products().Save(ctx, p))

	reader := begin(t, s)
	seen, err := reader.Products().Get(ctx, f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), seen.Stock)

	require.NoError(t, writer.Commit(ctx))
	seen, err = reader.Products().Get(ctx, f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seen.Stock)
}

func TestMemoryStore_ReturnedEntitiesAreCopies(t *testing.T) {
	s := NewMemoryStore()
	f := seedFixture(t, s)
	ctx := context.Background()

	uow := begin(t, s)
	p, err := uow.Products().Get(ctx, f.product.ID)
	require.NoError(t, err)
	p.Stock = 0
	*p.CategoryID = 999

	again, err := uow.Products().Get(ctx, f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.Stock)
	assert.Equal(t, f.category.ID, *again.CategoryID)
}

func TestMemoryStore_LockBlocksUntilCommit(t *testing.T) {
	s := NewMemoryStore()
	f := seedFixture(t, s)
	ctx := context.Background()

	first := begin(t, s)
	p, err := first.Products().GetForUpdate(ctx, f.product.ID)
	require.NoError(t, err)

	type result struct {
		stock int64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		second, err := s.Begin(ctx)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer second.Rollback(ctx)
		p, err := second.Products().GetForUpdate(ctx, f.product.ID)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{stock: p.Stock}
	}()

	select {
	case r := <-done:
		t.Fatalf("second unit of work did not wait for the lock: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	p.Stock = 4
	require.NoError(t, first.Products().Save(ctx, p))
	require.NoError(t, first.Commit(ctx))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, int64(4), r.stock)
	case <-time.After(time.Second):
		t.Fatal("second unit of work never got the lock")
	}
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	s := NewMemoryStore(WithMemoryLockTimeout(30 * time.Millisecond))
	f := seedFixture(t, s)
	ctx := context.Background()

	holder := begin(t, s)
	_, err := holder.Orders().GetForUpdate(ctx, f.order.ID)
	require.NoError(t, err)

	waiter := begin(t, s)
	start := time.Now()
	_, err = waiter.Orders().GetForUpdate(ctx, f.order.ID)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// rollback releases the lock
	require.NoError(t, holder.Rollback(ctx))
	_, err = waiter.Orders().GetForUpdate(ctx, f.order.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_LockWaitHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	f := seedFixture(t, s)

	holder := begin(t, s)
	_, err := holder.Products().GetForUpdate(context.Background(), f.product.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waiter := begin(t, s)
	_, err = waiter.Products().GetForUpdate(ctx, f.product.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestMemoryStore_LocksAreReentrantAndReleased(t *testing.T) {
	s := NewMemoryStore()
	f := seedFixture(t, s)
	ctx := context.Background()

	uow := begin(t, s)
	_, err := uow.Orders().GetForUpdate(ctx, f.order.ID)
	require.NoError(t, err)
	_, err = uow.Orders().GetForUpdate(ctx, f.order.ID)
	require.NoError(t, err)
	_, err = uow.Items().GetByOrderAndProduct(ctx, f.order.ID, f.product.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, s.locks.holders())

	require.NoError(t, uow.Commit(ctx))
	assert.Equal(t, 0, s.locks.holders())
}

func TestMemoryStore_CommitRevalidates(t *testing.T) {
	s := NewMemoryStore()
	f := seedFixture(t, s)
	ctx := context.Background()

	// both stage the same (order, product) pair without taking the natural-key lock
	a := begin(t, s)
	b := begin(t, s)
	for _, uow := range []UnitOfWork{a, b} {
		it := domain.OrderItem{OrderID: f.order.ID, ProductID: f.product.ID, Quantity: 1, UnitPrice: f.product.Price}
		require.NoError(t, uow.Items().Add(ctx, &it))
	}
	require.NoError(t, a.Commit(ctx))
	err := b.Commit(ctx)
	assert.ErrorIs(t, err, ErrConstraint)

	check := begin(t, s)
	items, err := check.Items().ListByOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMemoryStore_BeginHonoursCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
