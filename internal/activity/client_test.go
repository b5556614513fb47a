package activity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"
	"flash_checkout/internal/saga"
	"flash_checkout/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL,
		Timeout:        time.Second,
		PaymentTimeout: time.Second,
		Retry:          retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
	}, srv.Client(), zap.NewNop())
}

func writeEnvelope(w http.ResponseWriter, status int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	code := 0
	if status >= 300 {
		code = status
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

func TestReserveInventoryDecodesReservation(t *testing.T) {
	var got ReserveRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/inventory/reservations", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(w, http.StatusOK, "", model.Reservation{ID: "res-1", OrderID: got.OrderID})
	}))

	id, err := c.ReserveInventory(context.Background(), "o1", "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, "res-1", id)
	assert.Equal(t, ReserveRequest{OrderID: "o1", ProductID: "p1", Quantity: 2}, got)
}

func TestVoidPaymentPostsToPaymentRoute(t *testing.T) {
	var got RefundRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/payments/pay-1/void", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(w, http.StatusOK, "", model.Payment{ID: "pay-1", Status: model.PaymentFailed})
	}))

	require.NoError(t, c.VoidPayment(context.Background(), "o1", "pay-1"))
	assert.Equal(t, RefundRequest{OrderID: "o1"}, got)
}

func TestActivityRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeEnvelope(w, http.StatusServiceUnavailable, "busy", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "", nil)
	}))

	err := c.ConfirmOrder(context.Background(), "o1", "pay-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestActivityDoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusConflict, "out of stock", nil)
	}))

	_, err := c.ReserveInventory(context.Background(), "o1", "p1", 1)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var fault *apperr.ActivityFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "reserveInventory", fault.Activity)
	assert.Equal(t, 1, fault.Attempts)
	assert.False(t, fault.Retryable)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Status)
	assert.Equal(t, "out of stock", se.Msg)
}

func TestActivityExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusInternalServerError, "boom", nil)
	}))

	err := c.ReleaseInventory(context.Background(), saga.ReleaseRequest{OrderID: "o1", ProductID: "p1", Quantity: 1})
	var fault *apperr.ActivityFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 3, fault.Attempts)
	assert.True(t, fault.Retryable)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
}

func TestActivityAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:        srv.URL,
		Timeout:        20 * time.Millisecond,
		PaymentTimeout: 20 * time.Millisecond,
		Retry:          retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, Multiplier: 2},
	}, srv.Client(), zap.NewNop())

	_, err := c.InitiatePayment(context.Background(), "o1", "u1", 500)
	var fault *apperr.ActivityFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 2, fault.Attempts)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestActivityStopsWhenCallerCancels(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusServiceUnavailable, "busy", nil)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.ReportProgress(ctx, "o1", model.OrderPaymentPending, "waiting")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("connection refused")))
	assert.True(t, Retryable(&StatusError{Status: http.StatusBadGateway}))
	assert.True(t, Retryable(&StatusError{Status: http.StatusTooManyRequests}))
	assert.True(t, Retryable(&StatusError{Status: http.StatusRequestTimeout}))
	assert.False(t, Retryable(&StatusError{Status: http.StatusNotFound}))
	assert.False(t, Retryable(&StatusError{Status: http.StatusUnprocessableEntity}))
}
