package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-saga/pkg/eventsourcing"
	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// Orders is the command side the handlers drive.
type Orders interface {
	PlaceOrder(ctx context.Context, cmd saga.PlaceOrderCommand) (saga.PlaceOrderResult, error)
	GetOrder(ctx context.Context, orderID string) (store.Order, error)
}

// States rebuilds order state from the event store.
type States interface {
	Replay(ctx context.Context, orderID string) (eventsourcing.OrderState, error)
	ReplayToTimestamp(ctx context.Context, orderID string, at time.Time) (eventsourcing.OrderState, error)
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	orders Orders
	states States
	logger *zap.Logger
}

func NewHandler(orders Orders, states States, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orders: orders, states: states, logger: logger}
}

// NewRouter mounts the order API, health and metrics endpoints. A nil
// gatherer serves the default Prometheus registry.
func NewRouter(h *Handler, serviceName string, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer == nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	} else {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	orders := router.Group("/api/orders")
	orders.POST("", h.PlaceOrder)
	orders.GET("/:orderId", h.GetOrder)
	orders.GET("/:orderId/state", h.GetOrderState)
	return router
}

// PlaceOrder is POST /api/orders.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var cmd saga.PlaceOrderCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res, err := h.orders.PlaceOrder(c.Request.Context(), cmd)
	switch {
	case errors.Is(err, saga.ErrInvalidOrder):
		writeError(c, http.StatusBadRequest, "INVALID_ORDER", err.Error())
		return
	case err != nil:
		h.log(c).Error("place order failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "ORDER_NOT_PLACED", "order could not be placed")
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetOrder is GET /api/orders/:orderId.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("orderId"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	case err != nil:
		h.log(c).Error("get order failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "ORDER_LOOKUP_FAILED", "order lookup failed")
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetOrderState is GET /api/orders/:orderId/state[?at=RFC3339].
func (h *Handler) GetOrderState(c *gin.Context) {
	orderID := c.Param("orderId")
	ctx := c.Request.Context()

	var (
		state eventsourcing.OrderState
		err   error
	)
	if raw, ok := c.GetQuery("at"); ok {
		at, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			writeError(c, http.StatusBadRequest, "INVALID_TIMESTAMP", "at must be an RFC3339 timestamp")
			return
		}
		state, err = h.states.ReplayToTimestamp(ctx, orderID, at)
	} else {
		state, err = h.states.Replay(ctx, orderID)
	}
	if err != nil {
		h.log(c).Error("replay failed", zap.String("order_id", orderID), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "REPLAY_FAILED", "order state could not be rebuilt")
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) log(c *gin.Context) *zap.Logger {
	return telemetry.WithTrace(c.Request.Context(), h.logger)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Code: code, Message: message})
}
