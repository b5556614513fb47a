// Package gatekeeper admits or rejects purchases against the cached stock counter.
package gatekeeper

import (
	"context"
	"fmt"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/metrics"
	rediskey "flash_checkout/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Gatekeeper struct {
	rdb *rd.Client
	log *zap.Logger
}

func New(rdb *rd.Client, log *zap.Logger) *Gatekeeper {
	return &Gatekeeper{rdb: rdb, log: log}
}

// Reserve takes qty units off the counter if enough remain.
// A cache failure answers false together with the wrapped cause: admission fails closed.
func (g *Gatekeeper) Reserve(ctx context.Context, productID string, qty int64) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("quantity %d: %w", qty, apperr.ErrBadRequest)
	}
	remaining, ok, err := rediskey.ReserveStock(ctx, g.rdb, productID, qty)
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		g.log.Warn("stock reserve failed, rejecting",
			zap.String("product_id", productID), zap.Error(err))
		return false, fmt.Errorf("reserve %s: %v: %w", productID, err, apperr.ErrTransientInfra)
	}
	if !ok {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return false, nil
	}
	metrics.Admissions.WithLabelValues("admitted").Inc()
	g.log.Debug("stock reserved",
		zap.String("product_id", productID), zap.Int64("qty", qty), zap.Int64("remaining", remaining))
	return true, nil
}

// Release adds qty back and returns the new counter. Used for restocking.
func (g *Gatekeeper) Release(ctx context.Context, productID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("quantity %d: %w", qty, apperr.ErrBadRequest)
	}
	n, err := rediskey.ReleaseStock(ctx, g.rdb, productID, qty)
	if err != nil {
		return 0, fmt.Errorf("release %s: %v: %w", productID, err, apperr.ErrTransientInfra)
	}
	return n, nil
}

// ReleaseOnce returns an order's hold; repeated calls for the same order are no-ops.
func (g *Gatekeeper) ReleaseOnce(ctx context.Context, orderID, productID string, qty int64) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("quantity %d: %w", qty, apperr.ErrBadRequest)
	}
	released, left, err := rediskey.ReleaseHoldOnce(ctx, g.rdb, orderID, productID, qty)
	if err != nil {
		return false, fmt.Errorf("release hold of %s: %v: %w", orderID, err, apperr.ErrTransientInfra)
	}
	if released {
		g.log.Info("cache hold returned",
			zap.String("order_id", orderID), zap.String("product_id", productID),
			zap.Int64("qty", qty), zap.Int64("stock", left))
	}
	return released, nil
}

// Counter reads the current counter for display and reconciliation; missing reads as zero.
func (g *Gatekeeper) Counter(ctx context.Context, productID string) (int64, error) {
	n, _, err := rediskey.GetStock(ctx, g.rdb, productID)
	if err != nil {
		return 0, fmt.Errorf("read stock %s: %v: %w", productID, err, apperr.ErrTransientInfra)
	}
	return n, nil
}

// SeedIfAbsent initialises the counter only when the key does not exist.
func (g *Gatekeeper) SeedIfAbsent(ctx context.Context, productID string, qty int64) (bool, error) {
	seeded, err := rediskey.SeedStockIfAbsent(ctx, g.rdb, productID, qty)
	if err != nil {
		return false, fmt.Errorf("seed stock %s: %v: %w", productID, err, apperr.ErrTransientInfra)
	}
	return seeded, nil
}

// Price returns the cached unit price in cents.
func (g *Gatekeeper) Price(ctx context.Context, productID string) (int64, error) {
	price, found, err := rediskey.GetPrice(ctx, g.rdb, productID)
	if err != nil {
		return 0, fmt.Errorf("price %s: %v: %w", productID, err, apperr.ErrPriceUnavailable)
	}
	if !found {
		return 0, fmt.Errorf("price %s: %w", productID, apperr.ErrPriceUnavailable)
	}
	return price, nil
}

func (g *Gatekeeper) SetPrice(ctx context.Context, productID string, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("price %d: %w", cents, apperr.ErrBadRequest)
	}
	if err := rediskey.SetPrice(ctx, g.rdb, productID, cents); err != nil {
		return fmt.Errorf("set price %s: %v: %w", productID, err, apperr.ErrTransientInfra)
	}
	return nil
}
