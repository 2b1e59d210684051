package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale количество знаков после запятой для денежных сумм (NUMERIC(12,2))
const PriceScale = 2

// Client покупатель
type Client struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Client) String() string {
	return fmt.Sprintf("Client(id=%d name=%s)", c.ID, c.Name)
}

// Category категория каталога. Родитель опционален, циклы не проверяются.
type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Category) String() string {
	return fmt.Sprintf("Category(id=%d name=%s)", c.ID, c.Name)
}

// Product товар каталога с ценой и остатком на складе
type Product struct {
	ID         int64           `json:"id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	CategoryID *int64          `json:"category_id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Stock      int64           `json:"stock"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (p Product) String() string {
	return fmt.Sprintf("Product(id=%d name=%s price=%s)", p.ID, p.Name, p.Price.StringFixed(PriceScale))
}

// OrderStatus статус заказа, свободный текст
type OrderStatus string

// OrderStatusDraft статус нового заказа
const OrderStatusDraft OrderStatus = "draft"

// Order заказ. Позиции заказа хранятся отдельно и удаляются вместе с заказом.
type Order struct {
	ID        int64       `json:"id"`
	ClientID  *int64      `json:"client_id,omitempty"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

func (o Order) String() string {
	client := "none"
	if o.ClientID != nil {
		client = fmt.Sprint(*o.ClientID)
	}
	return fmt.Sprintf("Order(id=%d client_id=%s status=%s)", o.ID, client, o.Status)
}

// OrderItem позиция в заказе: количество и цена товара на момент добавления.
// На пару (OrderID, ProductID) допускается не более одной позиции.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CreatedAt time.Time       `json:"created_at"`
}

func (i OrderItem) String() string {
	return fmt.Sprintf("OrderItem(order_id=%d product_id=%d qty=%d)", i.OrderID, i.ProductID, i.Quantity)
}

// Int64Ptr helper для опциональных ссылок
func Int64Ptr(v int64) *int64 { return &v }
