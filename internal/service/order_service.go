package service

import (
	"context"
	"errors"
	"fmt"

	"orderdesk/internal/domain"
	"orderdesk/internal/repository"
)

// OrderService добавляет позиции в заказ в рамках одного unit of work.
// Commit и rollback делает вызывающий.
type OrderService struct {
	uow repository.UnitOfWork
}

func NewOrderService(uow repository.UnitOfWork) *OrderService {
	return &OrderService{uow: uow}
}

// AddItemToOrder блокирует заказ, затем товар, затем позицию, списывает остаток
// и возвращает новую или увеличенную позицию.
func (s *OrderService) AddItemToOrder(ctx context.Context, orderID, productID, quantity int64) (*domain.OrderItem, error) {
	if quantity <= 0 {
		return nil, newDomainError(ErrInvalidArgument, "quantity must be positive")
	}

	order, err := s.uow.Orders().GetForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newDomainError(ErrOrderNotFound, "Order %d not found", orderID)
		}
		return nil, fmt.Errorf("lock order %d: %w", orderID, err)
	}

	product, err := s.uow.Products().GetForUpdate(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newDomainError(ErrProductNotFound, "Product %d not found", productID)
		}
		return nil, fmt.Errorf("lock product %d: %w", productID, err)
	}

	if product.Stock < quantity {
		return nil, newDomainError(ErrOutOfStock, "Not enough stock for %s", product.Name)
	}

	item, err := s.uow.Items().GetByOrderAndProduct(ctx, order.ID, product.ID)
	switch {
	case err == nil:
		item.Quantity += quantity
		if err := s.uow.Items().Save(ctx, item); err != nil {
			return nil, fmt.Errorf("update order item %d: %w", item.ID, err)
		}
	case errors.Is(err, repository.ErrNotFound):
		// price is fixed at the moment the item is added
		item = &domain.OrderItem{
			OrderID:   order.ID,
			ProductID: product.ID,
			Quantity:  quantity,
			UnitPrice: product.Price,
		}
		if err := s.uow.Items().Add(ctx, item); err != nil {
			return nil, fmt.Errorf("add order item: %w", err)
		}
	default:
		return nil, fmt.Errorf("lock order item: %w", err)
	}

	product.Stock -= quantity
	if err := s.uow.Products().Save(ctx, product); err != nil {
		return nil, fmt.Errorf("update product %d stock: %w", product.ID, err)
	}

	if err := s.uow.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return item, nil
}
