// Package reconcile compares the cache counters with the durable ledger. It reports drift and never corrects it.
package reconcile

import (
	"context"
	"fmt"

	"flash_checkout/internal/metrics"
	"flash_checkout/internal/model"
	"flash_checkout/internal/store"

	"go.uber.org/zap"
)

type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// criticalDrift is the absolute discrepancy from which a product is CRITICAL.
const criticalDrift = 10

// Counters reads and seeds the cache side.
type Counters interface {
	Counter(ctx context.Context, productID string) (int64, error)
	SeedIfAbsent(ctx context.Context, productID string, qty int64) (bool, error)
}

type Report struct {
	ProductID   string `json:"product_id"`
	Cache       int64  `json:"cache"`
	Ledger      int64  `json:"ledger"`
	Discrepancy int64  `json:"discrepancy"`
	Status      Status `json:"status"`
}

type Service struct {
	db    *store.Store
	cache Counters
	log   *zap.Logger
}

func NewService(db *store.Store, cache Counters, log *zap.Logger) *Service {
	return &Service{db: db, cache: cache, log: log}
}

func classify(d int64) Status {
	if d < 0 {
		d = -d
	}
	switch {
	case d == 0:
		return StatusOK
	case d < criticalDrift:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// ReconcileAll reports every product in the ledger.
func (s *Service) ReconcileAll(ctx context.Context) ([]Report, error) {
	ledgers, err := s.db.ListLedgers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	out := make([]Report, 0, len(ledgers))
	for i := range ledgers {
		r, err := s.report(ctx, &ledgers[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) ReconcileProduct(ctx context.Context, productID string) (Report, error) {
	l, err := s.db.GetLedger(ctx, productID)
	if err != nil {
		return Report{}, err
	}
	return s.report(ctx, l)
}

func (s *Service) report(ctx context.Context, l *model.StockLedger) (Report, error) {
	// a missing key reads as zero
	cache, err := s.cache.Counter(ctx, l.ProductID)
	if err != nil {
		return Report{}, err
	}
	d := cache - l.Quantity
	r := Report{
		ProductID:   l.ProductID,
		Cache:       cache,
		Ledger:      l.Quantity,
		Discrepancy: d,
		Status:      classify(d),
	}
	metrics.StockDrift.WithLabelValues(l.ProductID).Set(float64(d))

	switch r.Status {
	case StatusWarning:
		s.log.Warn("stock drift", zap.String("product_id", r.ProductID), zap.Int64("discrepancy", d))
	case StatusCritical:
		s.log.Error("critical stock drift", zap.String("product_id", r.ProductID),
			zap.Int64("cache", cache), zap.Int64("ledger", l.Quantity), zap.Int64("discrepancy", d))
	}
	return r, nil
}

// SeedIfAbsent copies each ledger quantity into the cache where no counter exists yet.
// Existing counters are never overwritten.
func (s *Service) SeedIfAbsent(ctx context.Context) (int, error) {
	ledgers, err := s.db.ListLedgers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ledgers: %w", err)
	}
	seeded := 0
	for _, l := range ledgers {
		ok, err := s.cache.SeedIfAbsent(ctx, l.ProductID, l.Quantity)
		if err != nil {
			return seeded, err
		}
		if ok {
			seeded++
		}
	}
	s.log.Info("stock cache seeded", zap.Int("seeded", seeded), zap.Int("products", len(ledgers)))
	return seeded, nil
}
