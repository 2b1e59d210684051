package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"orderdesk/internal/domain"
	"orderdesk/internal/repository"
)

func TestAddItemToOrder_CreatesItem(t *testing.T) {
	eachStore(t, func(t *testing.T, s repository.Store) {
		demo := seedDemo(t, s)
		ctx := context.Background()

		item, err := addItem(ctx, s, demo.Order.ID, demo.Product.ID, 2)
		require.NoError(t, err)
		assert.NotZero(t, item.ID)
		assert.Equal(t, demo.Order.ID, item.OrderID)
		assert.Equal(t, demo.Product.ID, item.ProductID)
		assert.Equal(t, int64(2), item.Quantity)
		assert.Equal(t, "1000.00", item.UnitPrice.StringFixed(domain.PriceScale))
		assert.Equal(t, int64(8), stockOf(t, s, demo.Product.ID))
	})
}

func TestAddItemToOrder_IncrementsExistingItem(t *testing.T) {
	eachStore(t, func(t *testing.T, s repository.Store) {
		demo := seedDemo(t, s)
		ctx := context.Background()

		first, err := addItem(ctx, s, demo.Order.ID, demo.Product.ID, 2)
		require.NoError(t, err)
		second, err := addItem(ctx, s, demo.Order.ID, demo.Product.ID, 3)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, int64(5), second.Quantity)
		assert.Equal(t, int64(5), stockOf(t, s, demo.Product.ID))
		assert.Len(t, itemsOf(t, s, demo.Order.ID), 1)
	})
}

func TestAddItemToOrder_NotIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s repository.Store) {
		demo := seedDemo(t, s)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, err := addItem(ctx, s, demo.Order.ID, demo.Product.ID, 1)
			require.NoError(t, err)
		}
		items := itemsOf(t, s, demo.Order.ID)
		require.Len(t, items, 1)
		assert.Equal(t, int64(2), items[0].Quantity)
		assert.Equal(t, int64(8), stockOf(t, s, demo.Product.ID))
	})
}

func TestAddItemToOrder_UnitPriceIsSnapshot(t *testing.T) {
	eachStore(t, func(t *testing.T, s repository.Store) {
		demo := seedDemo(t, s)
		ctx := context.Background()

		_, err := addItem(ctx, s, demo.Order.ID, demo.Product.ID, 1)
		require.NoError(t, err)

		require.NoError(t, repository.WithUnitOfWork(ctx, s, func(ctx context.Context, uow repository.UnitOfWork) error {
			p, err := uow.Products().GetForUpdate(ctx, demo.Product.ID)
			if err != nil {
				return err
			}
			p.Price = p.Price.Mul(decimal.NewFromInt(2))
			return uow.Products().Save(ctx, p)
		}))

		item, err := addItem(ctx, s, demo.Order.ID, demo.Product.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), item.Quantity)
		assert.Equal(t, "1000.00", item.UnitPrice.StringFixed(domain.PriceScale))
	})
}

func TestAddItemToOrder_Failures(t *testing.T) {
	cases := []struct {
		name    string
		order   func(d *DemoCatalog) int64
		product func(d *DemoCatalog) int64
		qty     int64
		stock   int64
		kind    error
		msg     string
	}{
		{
			name:    "out of stock",
			order:   func(d *DemoCatalog) int64 { return d.Order.ID },
			product: func(d *DemoCatalog) int64 { return d.Product.ID },
			qty:     5, stock: 1,
			kind: ErrOutOfStock, msg: "Not enough stock for TV",
		},
		{
			name:    "missing order",
			order:   func(d *DemoCatalog) int64 { return 999 },
			product: func(d *DemoCatalog) int64 { return d.Product.ID },
			qty:     1, stock: 10,
			kind: ErrOrderNotFound, msg: "Order 999 not found",
		},
		{
			name:    "missing product",
			order:   func(d *DemoCatalog) int64 { return d.Order.ID },
			product: func(d *DemoCatalog) int64 { return 777 },
			qty:     1, stock: 10,
			kind: ErrProductNotFound, msg: "Product 777 not found",
		},
		{
			name:    "zero quantity",
			order:   func(d *DemoCatalog) int64 { return d.Order.ID },
			product: func(d *DemoCatalog) int64 { return d.Product.ID },
			qty:     0, stock: 10,
			kind: ErrInvalidArgument, msg: "quantity must be positive",
		},
		{
			name:    "negative quantity",
			order:   func(d *DemoCatalog) int64 { return d.Order.ID },
			product: func(d *DemoCatalog) int64 { return d.Product.ID },
			qty:     -3, stock: 10,
			kind: ErrInvalidArgument, msg: "quantity must be positive",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eachStore(t, func(t *testing.T, s repository.Store) {
				demo := seedDemo(t, s)
				setStock(t, s, demo.Product.ID, tc.stock)

				_, err := addItem(context.Background(), s, tc.order(demo), tc.product(demo), tc.qty)
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.kind)
				assert.EqualError(t, err, tc.msg)

				var de *DomainError
				assert.True(t, errors.As(err, &de))

				assert.Equal(t, tc.stock, stockOf(t, s, demo.Product.ID))
				assert.Empty(t, itemsOf(t, s, demo.Order.ID))
			})
		})
	}
}

func TestAddItemToOrder_OutOfStockKeepsExistingItem(t *testing.T) {
	eachStore(t, func(t *testing.T, s repository.Store) {
		demo := seedDemo(t, s)
		ctx := context.Background()

		_, err := addItem(ctx, s, demo.Order.ID, demo.Product.ID, 2)
		require.NoError(t, err)
		_, err = addItem(ctx, s, demo.Order.ID, demo.Product.ID, 9)
		require.ErrorIs(t, err, ErrOutOfStock)

		items := itemsOf(t, s, demo.Order.ID)
		require.Len(t, items, 1)
		assert.Equal(t, int64(2), items[0].Quantity)
		assert.Equal(t, int64(8), stockOf(t, s, demo.Product.ID))
	})
}

func TestAddItemToOrder_ConcurrentCallersNoLostUpdate(t *testing.T) {
	eachStore(t, func(t *testing.T, s repository.Store) {
		demo := seedDemo(t, s)

		var g errgroup.Group
		for i := 0; i < 5; i++ {
			g.Go(func() error {
				_, err := addItem(context.Background(), s, demo.Order.ID, demo.Product.ID, 2)
				return err
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(0), stockOf(t, s, demo.Product.ID))
		items := itemsOf(t, s, demo.Order.ID)
		require.Len(t, items, 1)
		assert.Equal(t, int64(10), items[0].Quantity)
	})
}

func TestAddItemToOrder_ConcurrentOversubscription(t *testing.T) {
	eachStore(t, func(t *testing.T, s repository.Store) {
		demo := seedDemo(t, s)

		var ok, outOfStock atomic.Int64
		var g errgroup.Group
		for i := 0; i < 14; i++ {
			g.Go(func() error {
				_, err := addItem(context.Background(), s, demo.Order.ID, demo.Product.ID, 1)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrOutOfStock):
					outOfStock.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(10), ok.Load())
		assert.Equal(t, int64(4), outOfStock.Load())
		assert.Equal(t, int64(0), stockOf(t, s, demo.Product.ID))
	})
}

// recordingUoW записывает порядок блокировок и может подменить ошибку сохранения товара
type recordingUoW struct {
	repository.UnitOfWork
	calls   *[]string
	saveErr error
}

func (u recordingUoW) Orders() repository.OrderRepository {
	return recOrders{u.UnitOfWork.Orders(), u.calls}
}

func (u recordingUoW) Products() repository.ProductRepository {
	return recProducts{u.UnitOfWork.Products(), u.calls, u.saveErr}
}

func (u recordingUoW) Items() repository.OrderItemRepository {
	return recItems{u.UnitOfWork.Items(), u.calls}
}

type recOrders struct {
	repository.OrderRepository
	calls *[]string
}

func (r recOrders) GetForUpdate(ctx context.Context, id int64) (*domain.Order, error) {
	*r.calls = append(*r.calls, "order")
	return r.OrderRepository.GetForUpdate(ctx, id)
}

type recProducts struct {
	repository.ProductRepository
	calls   *[]string
	saveErr error
}

func (r recProducts) GetForUpdate(ctx context.Context, id int64) (*domain.Product, error) {
	*r.calls = append(*r.calls, "product")
	return r.ProductRepository.GetForUpdate(ctx, id)
}

func (r recProducts) Save(ctx context.Context, p *domain.Product) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.ProductRepository.Save(ctx, p)
}

type recItems struct {
	repository.OrderItemRepository
	calls *[]string
}

func (r recItems) GetByOrderAndProduct(ctx context.Context, orderID, productID int64) (*domain.OrderItem, error) {
	*r.calls = append(*r.calls, "item")
	return r.OrderItemRepository.GetByOrderAndProduct(ctx, orderID, productID)
}

func TestAddItemToOrder_LockOrder(t *testing.T) {
	s := repository.NewMemoryStore()
	demo := seedDemo(t, s)
	ctx := context.Background()

	var calls []string
	err := repository.WithUnitOfWork(ctx, s, func(ctx context.Context, uow repository.UnitOfWork) error {
		_, err := NewOrderService(recordingUoW{UnitOfWork: uow, calls: &calls}).
			AddItemToOrder(ctx, demo.Order.ID, demo.Product.ID, 1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"order", "product", "item"}, calls)
}

func TestAddItemToOrder_PropagatesStorageFailure(t *testing.T) {
	s := repository.NewMemoryStore()
	demo := seedDemo(t, s)
	ctx := context.Background()
	diskFull := errors.New("disk full")

	var calls []string
	err := repository.WithUnitOfWork(ctx, s, func(ctx context.Context, uow repository.UnitOfWork) error {
		_, err := NewOrderService(recordingUoW{UnitOfWork: uow, calls: &calls, saveErr: diskFull}).
			AddItemToOrder(ctx, demo.Order.ID, demo.Product.ID, 3)
		return err
	})
	require.ErrorIs(t, err, diskFull)
	var de *DomainError
	assert.False(t, errors.As(err, &de))

	// staged item was rolled back with the rest
	assert.Empty(t, itemsOf(t, s, demo.Order.ID))
	assert.Equal(t, int64(10), stockOf(t, s, demo.Product.ID))
}

func TestAddItemToOrder_LockTimeoutIsInfrastructureError(t *testing.T) {
	s := repository.NewMemoryStore(repository.WithMemoryLockTimeout(20 * time.Millisecond))
	demo := seedDemo(t, s)
	ctx := context.Background()

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx)
	_, err = holder.Orders().GetForUpdate(ctx, demo.Order.ID)
	require.NoError(t, err)

	_, err = addItem(ctx, s, demo.Order.ID, demo.Product.ID, 1)
	require.ErrorIs(t, err, repository.ErrLockTimeout)
	assert.NotErrorIs(t, err, ErrOrderNotFound)
}
