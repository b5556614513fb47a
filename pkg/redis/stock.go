package redis

import (
	"context"
	"errors"

	rd "github.com/redis/go-redis/v9"
)

// luaReserveStock reads, compares and decrements in one step.
// KEYS[1]=stock key, ARGV[1]=quantity. Returns the new counter, or -1 when short.
const luaReserveStock = `
local key = KEYS[1]
local decr = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
if current >= decr then
  return redis.call('DECRBY', key, decr)
else
  return -1
end
`

// luaReleaseStock returns quantity to the counter and reports the new value.
const luaReleaseStock = `
return redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
`

// ReserveStock decrements the counter if it holds at least quantity.
// ok=false means the counter was left untouched.
func ReserveStock(ctx context.Context, rdb *rd.Client, productID string, quantity int64) (remaining int64, ok bool, err error) {
	n, err := rdb.Eval(ctx, luaReserveStock, []string{StockKey(productID)}, quantity).Int64()
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// ReleaseStock increments the counter and returns the result.
func ReleaseStock(ctx context.Context, rdb *rd.Client, productID string, quantity int64) (int64, error) {
	return rdb.Eval(ctx, luaReleaseStock, []string{StockKey(productID)}, quantity).Int64()
}

// GetStock returns the counter; a missing key reads as zero.
func GetStock(ctx context.Context, rdb *rd.Client, productID string) (int64, bool, error) {
	v, err := rdb.Get(ctx, StockKey(productID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SeedStockIfAbsent writes quantity only when no counter exists yet.
func SeedStockIfAbsent(ctx context.Context, rdb *rd.Client, productID string, quantity int64) (bool, error) {
	return rdb.SetNX(ctx, StockKey(productID), quantity, 0).Result()
}
