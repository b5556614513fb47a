package redis

import (
	"context"
	"errors"

	rd "github.com/redis/go-redis/v9"
)

// GetPrice reads the cached unit price. found=false when the key is absent.
func GetPrice(ctx context.Context, rdb *rd.Client, productID string) (int64, bool, error) {
	v, err := rdb.Get(ctx, PriceKey(productID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SetPrice overwrites the cached unit price.
func SetPrice(ctx context.Context, rdb *rd.Client, productID string, cents int64) error {
	return rdb.Set(ctx, PriceKey(productID), cents, 0).Err()
}
