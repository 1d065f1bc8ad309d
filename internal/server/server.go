// Package server exposes the HTTP and websocket surface: order intake,
// order reads and live per-order update streams.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/dexroute/swapd/internal/notifier"
	"github.com/dexroute/swapd/internal/orderservice"
	"github.com/dexroute/swapd/pkg/models"
)

// OrderService is the slice of the order service the HTTP surface needs.
type OrderService interface {
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error)
}

// Submitter hands an accepted order to the job queue.
type Submitter interface {
	Submit(ctx context.Context, order models.Order) error
}

// Server represents the HTTP server.
type Server struct {
	logger   *zap.Logger
	orders   OrderService
	queue    Submitter
	notifier *notifier.Notifier
	validate *validator.Validate
}

// NewServer creates the HTTP server over its injected collaborators.
func NewServer(logger *zap.Logger, orders OrderService, queue Submitter, n *notifier.Notifier) *Server {
	return &Server{
		logger:   logger.Named("server"),
		orders:   orders,
		queue:    queue,
		notifier: n,
		validate: validator.New(),
	}
}

// Router creates the HTTP router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("swapd"))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/orders/:orderID", s.handleOrderStream)

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			orders := v1.Group("/orders")
			{
				orders.POST("/execute", s.handleExecuteOrder)
				orders.GET("", s.handleListOrders)
				orders.GET("/:orderID", s.handleGetOrder)
			}
		}
	}

	return router
}

// handleExecuteOrder accepts a swap order, persists it as pending and hands
// it to the queue. The client polls or subscribes for progress; the response
// only acknowledges intake.
func (s *Server) handleExecuteOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("order intake failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create order"})
		return
	}

	if err := s.queue.Submit(c.Request.Context(), *order); err != nil {
		// the pending record exists but nothing will process it; surface
		// the fault instead of returning an order that can never progress
		s.logger.Error("order enqueue failed", zap.String("order_id", order.OrderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue order"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id": order.OrderID,
		"status":   order.Status,
	})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.orders.GetOrder(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		if errors.Is(err, orderservice.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		s.logger.Error("order read failed", zap.String("order_id", c.Param("orderID")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch order"})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	status := models.OrderStatus(c.Query("status"))
	orders, err := s.orders.ListOrders(c.Request.Context(), status, limit)
	if err != nil {
		s.logger.Error("order listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}
