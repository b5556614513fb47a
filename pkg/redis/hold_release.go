package redis

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// HoldReleaseMemory is how long an order's release marker outlives the release.
// Redeliveries older than this would return the hold a second time.
const HoldReleaseMemory = 7 * 24 * time.Hour

// luaReleaseHold puts an order's admitted units back on the counter.
// The marker records what was returned; its presence makes repeats answer -1.
// KEYS: marker, counter. ARGV: units, marker ttl seconds, marker value.
const luaReleaseHold = `
if not redis.call('SET', KEYS[1], ARGV[3], 'NX', 'EX', ARGV[2]) then
  return -1
end
return redis.call('INCRBY', KEYS[2], ARGV[1])
`

// ReleaseHoldOnce returns the units an order took from productID's counter.
// Only the first call for an order moves the counter; it reports released=true and
// the counter after the release. Later calls report released=false and counter=-1.
func ReleaseHoldOnce(ctx context.Context, rdb *rd.Client, orderID, productID string, units int64) (released bool, counter int64, err error) {
	marker := fmt.Sprintf("%s/%d", productID, units)
	counter, err = rdb.Eval(ctx, luaReleaseHold,
		[]string{HoldReleasedKey(orderID), StockKey(productID)},
		units, int64(HoldReleaseMemory/time.Second), marker).Int64()
	if err != nil {
		return false, 0, err
	}
	return counter >= 0, counter, nil
}
