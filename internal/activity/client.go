// Package activity performs the saga's remote calls to the inventory, payment and order services.
package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/metrics"
	"flash_checkout/pkg/retry"
	"flash_checkout/pkg/tracing"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	serviceInventory = "inventory"
	servicePayment   = "payment"
	serviceOrder     = "order"
)

type Config struct {
	BaseURL string
	// Timeout bounds one attempt; PaymentTimeout replaces it for payment calls.
	Timeout        time.Duration
	PaymentTimeout time.Duration
	Retry          retry.Policy
}

// Client implements saga.Activities over HTTP. Each downstream service has its own breaker.
type Client struct {
	base     string
	http     *http.Client
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
	log      *zap.Logger
}

func NewClient(cfg Config, hc *http.Client, log *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		http:     hc,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      log,
	}
	for _, svc := range []string{serviceInventory, servicePayment, serviceOrder} {
		c.breakers[svc] = newBreaker(svc, log)
	}
	return c
}

func newBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// a rejected request says nothing about the service's health
		IsSuccessful: func(err error) bool {
			return err == nil || !Retryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// StatusError is a non-2xx answer from a downstream service.
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Msg)
}

// Retryable reports whether another attempt could succeed. Client errors other than
// timeout and throttling mean the receiver refused the request.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Status >= 400 && se.Status < 500 {
			return se.Status == http.StatusRequestTimeout || se.Status == http.StatusTooManyRequests
		}
	}
	return true
}

// envelope is the response body shape of every handler in this service.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// call runs one activity with retries and breaker protection.
func (c *Client) call(ctx context.Context, activity, service, path string, timeout time.Duration, body, out any) error {
	attempts := 0
	err := retry.Do(ctx, c.cfg.Retry, Retryable, func(ctx context.Context) error {
		attempts++
		_, err := c.breakers[service].Execute(func() (interface{}, error) {
			return nil, c.post(ctx, path, timeout, body, out)
		})
		if err != nil {
			metrics.ActivityCalls.WithLabelValues(activity, "error").Inc()
			c.log.Debug("activity attempt failed",
				zap.String("activity", activity), zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		metrics.ActivityCalls.WithLabelValues(activity, "ok").Inc()
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &apperr.ActivityFault{Activity: activity, Attempts: attempts, Retryable: Retryable(err), Err: err}
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, body, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range tracing.InjectMap(ctx) {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := env.Msg
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Status: resp.StatusCode, Msg: msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
