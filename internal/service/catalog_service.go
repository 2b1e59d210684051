package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"orderdesk/internal/domain"
	"orderdesk/internal/repository"
)

// CatalogService справочные данные: клиенты, категории, товары и пустые заказы.
// Каждый вызов выполняется в отдельном unit of work.
type CatalogService struct {
	store repository.Store
}

func NewCatalogService(store repository.Store) *CatalogService {
	return &CatalogService{store: store}
}

// OrderDetails заказ вместе с позициями
type OrderDetails struct {
	Order domain.Order       `json:"order"`
	Items []domain.OrderItem `json:"items"`
}

func (s *CatalogService) CreateClient(ctx context.Context, c domain.Client) (*domain.Client, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, newDomainError(ErrInvalidArgument, "client name required")
	}
	cp := c
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		return uow.Clients().Add(ctx, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// CreateCategory родитель должен существовать; циклы в дереве не проверяются
func (s *CatalogService) CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, newDomainError(ErrInvalidArgument, "category name required")
	}
	cp := c
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		if cp.ParentID != nil {
			if err := mustExist[domain.Category](ctx, uow.Categories(), *cp.ParentID, "parent category"); err != nil {
				return err
			}
		}
		return uow.Categories().Add(ctx, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *CatalogService) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(p.Name) == "" || p.Price.IsNegative() || p.Stock < 0 {
		return nil, newDomainError(ErrInvalidArgument, "product requires a name, price >= 0 and stock >= 0")
	}
	cp := p
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		if cp.CategoryID != nil {
			if err := mustExist[domain.Category](ctx, uow.Categories(), *cp.CategoryID, "category"); err != nil {
				return err
			}
		}
		return uow.Products().Add(ctx, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// CreateOrder создаёт заказ в статусе draft; клиент необязателен
func (s *CatalogService) CreateOrder(ctx context.Context, clientID *int64) (*domain.Order, error) {
	o := domain.Order{ClientID: clientID, Status: domain.OrderStatusDraft}
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		if clientID != nil {
			if err := mustExist[domain.Client](ctx, uow.Clients(), *clientID, "client"); err != nil {
				return err
			}
		}
		return uow.Orders().Add(ctx, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *CatalogService) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p *domain.Product
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		p, err = uow.Products().Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return newDomainError(ErrProductNotFound, "Product %d not found", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListAvailableProducts товары, которые ещё можно заказать
func (s *CatalogService) ListAvailableProducts(ctx context.Context) ([]domain.Product, error) {
	var list []domain.Product
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		list, err = uow.Products().ListAvailable(ctx)
		return err
	})
	return list, err
}

func (s *CatalogService) GetOrder(ctx context.Context, id int64) (*OrderDetails, error) {
	var out *OrderDetails
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		o, err := uow.Orders().Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return newDomainError(ErrOrderNotFound, "Order %d not found", id)
		}
		if err != nil {
			return err
		}
		items, err := uow.Items().ListByOrder(ctx, id)
		if err != nil {
			return err
		}
		out = &OrderDetails{Order: *o, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Demo catalog
const (
	DemoClientName   = "Demo client"
	DemoCategoryName = "Electronics"
	DemoProductName  = "TV"
)

// DemoCatalog строки, созданные SeedDemo
type DemoCatalog struct {
	Client   domain.Client
	Category domain.Category
	Product  domain.Product
	Order    domain.Order
}

// SeedDemo создаёт демонстрационные данные, если товара TV ещё нет.
// Возвращает nil, если данные уже были.
func (s *CatalogService) SeedDemo(ctx context.Context) (*DemoCatalog, error) {
	var demo *DemoCatalog
	err := repository.WithUnitOfWork(ctx, s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		if _, err := uow.Products().GetByName(ctx, DemoProductName); err == nil {
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		d := &DemoCatalog{
			Client:   domain.Client{Name: DemoClientName, Address: "1 Main St"},
			Category: domain.Category{Name: DemoCategoryName},
		}
		if err := uow.Clients().Add(ctx, &d.Client); err != nil {
			return fmt.Errorf("seed client: %w", err)
		}
		if err := uow.Categories().Add(ctx, &d.Category); err != nil {
			return fmt.Errorf("seed category: %w", err)
		}
		d.Product = domain.Product{
			SKU:        "TV-001",
			Name:       DemoProductName,
			CategoryID: domain.Int64Ptr(d.Category.ID),
			Price:      decimal.RequireFromString("1000.00"),
			Stock:      10,
		}
		if err := uow.Products().Add(ctx, &d.Product); err != nil {
			return fmt.Errorf("seed product: %w", err)
		}
		d.Order = domain.Order{ClientID: domain.Int64Ptr(d.Client.ID), Status: domain.OrderStatusDraft}
		if err := uow.Orders().Add(ctx, &d.Order); err != nil {
			return fmt.Errorf("seed order: %w", err)
		}
		demo = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return demo, nil
}

func mustExist[T any](ctx context.Context, repo repository.Repository[T], id int64, what string) error {
	_, err := repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return newDomainError(ErrInvalidArgument, "%s %d not found", what, id)
	}
	return err
}
