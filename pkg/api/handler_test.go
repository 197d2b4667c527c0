package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-saga/pkg/eventsourcing"
	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

type mockOrders struct {
	mock.Mock
}

func (m *mockOrders) PlaceOrder(ctx context.Context, cmd saga.PlaceOrderCommand) (saga.PlaceOrderResult, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(saga.PlaceOrderResult), args.Error(1)
}

func (m *mockOrders) GetOrder(ctx context.Context, orderID string) (store.Order, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(store.Order), args.Error(1)
}

type mockStates struct {
	mock.Mock
}

func (m *mockStates) Replay(ctx context.Context, orderID string) (eventsourcing.OrderState, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(eventsourcing.OrderState), args.Error(1)
}

func (m *mockStates) ReplayToTimestamp(ctx context.Context, orderID string, at time.Time) (eventsourcing.OrderState, error) {
	args := m.Called(ctx, orderID, at)
	return args.Get(0).(eventsourcing.OrderState), args.Error(1)
}

func newTestRouter(orders *mockOrders, states *mockStates) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(NewHandler(orders, states, nil), "order-saga-test", prometheus.NewRegistry())
}

func serve(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPlaceOrder(t *testing.T) {
	orders := new(mockOrders)
	cmd := saga.PlaceOrderCommand{CustomerID: "c-1", ProductID: "p-1", Quantity: 2, Amount: 99.99}
	orders.On("PlaceOrder", mock.Anything, cmd).Return(saga.PlaceOrderResult{OrderID: "o-1", TransactionID: "tx-1"}, nil)

	w := serve(newTestRouter(orders, new(mockStates)), http.MethodPost, "/api/orders",
		`{"customerId":"c-1","productId":"p-1","quantity":2,"amount":99.99}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	var res saga.PlaceOrderResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "o-1", res.OrderID)
	assert.Equal(t, "tx-1", res.TransactionID)
	orders.AssertExpectations(t)
}

func TestPlaceOrder_InvalidOrder(t *testing.T) {
	orders := new(mockOrders)
	orders.On("PlaceOrder", mock.Anything, mock.Anything).Return(saga.PlaceOrderResult{}, saga.ErrInvalidOrder)

	w := serve(newTestRouter(orders, new(mockStates)), http.MethodPost, "/api/orders", `{"customerId":"c-1"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var res ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "INVALID_ORDER", res.Code)
}

func TestPlaceOrder_MalformedBody(t *testing.T) {
	orders := new(mockOrders)

	w := serve(newTestRouter(orders, new(mockStates)), http.MethodPost, "/api/orders", `{"quantity":"two"`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	orders.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}

func TestPlaceOrder_StoreFailure(t *testing.T) {
	orders := new(mockOrders)
	orders.On("PlaceOrder", mock.Anything, mock.Anything).Return(saga.PlaceOrderResult{}, errors.New("db down"))

	w := serve(newTestRouter(orders, new(mockStates)), http.MethodPost, "/api/orders",
		`{"customerId":"c-1","productId":"p-1","quantity":1,"amount":10}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestGetOrder(t *testing.T) {
	orders := new(mockOrders)
	orders.On("GetOrder", mock.Anything, "o-1").Return(store.Order{OrderID: "o-1", Status: store.OrderConfirmed}, nil)
	orders.On("GetOrder", mock.Anything, "missing").Return(store.Order{}, store.ErrNotFound)
	r := newTestRouter(orders, new(mockStates))

	w := serve(r, http.MethodGet, "/api/orders/o-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var order store.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	assert.Equal(t, store.OrderConfirmed, order.Status)

	w = serve(r, http.MethodGet, "/api/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrderState(t *testing.T) {
	states := new(mockStates)
	states.On("Replay", mock.Anything, "o-1").Return(eventsourcing.OrderState{OrderID: "o-1", Status: eventsourcing.StatusPlaced}, nil)

	w := serve(newTestRouter(new(mockOrders), states), http.MethodGet, "/api/orders/o-1/state", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var state eventsourcing.OrderState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, eventsourcing.StatusPlaced, state.Status)
	states.AssertNotCalled(t, "ReplayToTimestamp", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetOrderState_AtTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	states := new(mockStates)
	states.On("ReplayToTimestamp", mock.Anything, "o-1", mock.MatchedBy(func(t time.Time) bool { return t.Equal(at) })).
		Return(eventsourcing.OrderState{OrderID: "o-1", Status: eventsourcing.StatusPaymentCompleted}, nil)

	w := serve(newTestRouter(new(mockOrders), states), http.MethodGet, "/api/orders/o-1/state?at=2024-03-01T12:00:00Z", "")

	assert.Equal(t, http.StatusOK, w.Code)
	states.AssertExpectations(t)
}

func TestGetOrderState_BadTimestamp(t *testing.T) {
	states := new(mockStates)

	w := serve(newTestRouter(new(mockOrders), states), http.MethodGet, "/api/orders/o-1/state?at=yesterday", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	states.AssertNotCalled(t, "ReplayToTimestamp", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetOrderState_ReplayFailure(t *testing.T) {
	states := new(mockStates)
	states.On("Replay", mock.Anything, "o-1").Return(eventsourcing.OrderState{}, errors.New("log unavailable"))

	w := serve(newTestRouter(new(mockOrders), states), http.MethodGet, "/api/orders/o-1/state", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	metrics.SnapshotsCreated.WithLabelValues("scheduled").Inc()
	r := NewRouter(NewHandler(new(mockOrders), new(mockStates), nil), "order-saga-test", reg)

	w := serve(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = serve(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "saga_snapshots_created_total")
}
