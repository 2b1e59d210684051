package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"orderdesk/internal/domain"
	"orderdesk/internal/repository"
	"orderdesk/internal/service"
)

type Server struct {
	engine  *gin.Engine
	store   repository.Store
	catalog *service.CatalogService
	logger  *slog.Logger
}

func NewServer(store repository.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(requestID(), requestLogger(logger), gin.Recovery())
	s := &Server{engine: r, store: store, catalog: service.NewCatalogService(store), logger: logger}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	// Swagger UI
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := s.engine.Group("/api")
	{
		orders := api.Group("/orders")
		orders.GET("/", s.ping)
		orders.GET("/:id", s.getOrder)
		orders.POST("/:id/items", s.addItem)

		products := api.Group("/products")
		products.GET("/", s.listProducts)
		products.GET("/:id", s.getProduct)
	}
}

type itemResp struct {
	ID        int64  `json:"id"`
	OrderID   int64  `json:"order_id"`
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price" example:"1000.00"`
}

func newItemResp(it *domain.OrderItem) itemResp {
	return itemResp{
		ID:        it.ID,
		OrderID:   it.OrderID,
		ProductID: it.ProductID,
		Quantity:  it.Quantity,
		UnitPrice: it.UnitPrice.StringFixed(domain.PriceScale),
	}
}

// @Summary Ping
// @Tags orders
// @Produce json
// @Success 200 {object} map[string]string
// @Router /orders/ [get]
func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ping": "pong"})
}

// addItemReq поля принимают число или строку с целым числом
type addItemReq struct {
	ProductID json.RawMessage `json:"product_id" swaggertype:"integer"`
	Quantity  json.RawMessage `json:"quantity" swaggertype:"integer"`
}

// @Summary Add item to order
// @Description Adds the product to the order or increases the quantity of the existing item; stock is decremented.
// @Tags orders
// @Accept json
// @Produce json
// @Param id path int true "Order ID"
// @Param input body addItemReq true "Item"
// @Success 201 {object} itemResp
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /orders/{id}/items [post]
func (s *Server) addItem(c *gin.Context) {
	orderID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	var req addItemReq
	// empty body is reported as missing fields
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if isMissing(req.ProductID) || isMissing(req.Quantity) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id and quantity required"})
		return
	}
	productID, err := parseInteger(req.ProductID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id must be integer"})
		return
	}
	quantity, err := parseInteger(req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be integer"})
		return
	}

	var item *domain.OrderItem
	err = repository.WithUnitOfWork(c.Request.Context(), s.store, func(ctx context.Context, uow repository.UnitOfWork) error {
		var err error
		item, err = service.NewOrderService(uow).AddItemToOrder(ctx, orderID, productID, quantity)
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newItemResp(item))
}

// @Summary Get order with items
// @Tags orders
// @Produce json
// @Param id path int true "Order ID"
// @Success 200 {object} service.OrderDetails
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /orders/{id} [get]
func (s *Server) getOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	o, err := s.catalog.GetOrder(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// @Summary Get product by id
// @Tags products
// @Produce json
// @Param id path int true "Product ID"
// @Success 200 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /products/{id} [get]
func (s *Server) getProduct(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	p, err := s.catalog.GetProduct(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Summary List products in stock
// @Tags products
// @Produce json
// @Success 200 {array} domain.Product
// @Router /products/ [get]
func (s *Server) listProducts(c *gin.Context) {
	list, err := s.catalog.ListAvailableProducts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := mapErrorToStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			"request_id", c.GetString(requestIDKey), "error", err)
		msg = "Internal error: " + msg
	}
	c.JSON(status, gin.H{"error": msg})
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func isMissing(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// parseInteger принимает 3 и "3", но не 3.5 и не "abc"
func parseInteger(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrOutOfStock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
