package repository

import (
	"context"
	"errors"
	"fmt"

	"orderdesk/internal/domain"
)

var (
	// ErrNotFound возвращается, когда сущность не найдена
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout блокировка строки не получена за отведённое время
	ErrLockTimeout = errors.New("lock timeout")
	// ErrConstraint нарушено ограничение хранилища (unique, check, foreign key)
	ErrConstraint = errors.New("constraint violation")
	// ErrTxDone unit of work уже завершён commit или rollback
	ErrTxDone = errors.New("unit of work already finished")
)

// Repository общий контракт репозитория для сущности T.
// Ни один репозиторий не делает commit или rollback.
type Repository[T any] interface {
	Get(ctx context.Context, id int64) (*T, error)
	// GetForUpdate берёт эксклюзивную блокировку строки до конца транзакции
	GetForUpdate(ctx context.Context, id int64) (*T, error)
	Add(ctx context.Context, v *T) error
	Save(ctx context.Context, v *T) error
	Delete(ctx context.Context, id int64) error
}

type ClientRepository interface {
	Repository[domain.Client]
}

type CategoryRepository interface {
	Repository[domain.Category]
	ListChildren(ctx context.Context, parentID int64) ([]domain.Category, error)
}

type ProductRepository interface {
	Repository[domain.Product]
	GetByName(ctx context.Context, name string) (*domain.Product, error)
	// ListAvailable товары с ненулевым остатком
	ListAvailable(ctx context.Context) ([]domain.Product, error)
}

type OrderRepository interface {
	Repository[domain.Order]
	ListByClient(ctx context.Context, clientID int64) ([]domain.Order, error)
}

type OrderItemRepository interface {
	Repository[domain.OrderItem]
	// GetByOrderAndProduct тоже блокирует, чтобы параллельная транзакция не вставила дубль
	GetByOrderAndProduct(ctx context.Context, orderID, productID int64) (*domain.OrderItem, error)
	ListByOrder(ctx context.Context, orderID int64) ([]domain.OrderItem, error)
}

// UnitOfWork одна транзакция и набор репозиториев, привязанных к ней.
// Rollback после Commit ничего не делает, поэтому его можно звать через defer.
type UnitOfWork interface {
	Clients() ClientRepository
	Categories() CategoryRepository
	Products() ProductRepository
	Orders() OrderRepository
	Items() OrderItemRepository

	// Flush делает staged изменения видимыми внутри транзакции (не commit)
	Flush(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store открывает unit of work; один на входящий запрос.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	Close() error
}

// WithUnitOfWork открывает unit of work, выполняет fn и делает commit только если fn
// вернула nil. При ошибке или панике выполняется rollback.
func WithUnitOfWork(ctx context.Context, store Store, fn func(ctx context.Context, uow UnitOfWork) error) (err error) {
	uow, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback(ctx)
			panic(p)
		}
		if rbErr := uow.Rollback(ctx); rbErr != nil && err != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()
	if err = fn(ctx, uow); err != nil {
		return err
	}
	return uow.Commit(ctx)
}
