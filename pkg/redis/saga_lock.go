package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch deletes the lock only while it still carries our token,
// so an expired holder never removes a newer owner's lock.
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// luaRefreshLockIfMatch extends the TTL for the current owner only.
const luaRefreshLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
local ttlMs = tonumber(ARGV[2])
if redis.call('GET', lockKey) == token then
  return redis.call('PEXPIRE', lockKey, ttlMs)
end
return 0
`

// AcquireSagaLock takes the workflow lock if nobody holds it.
func AcquireSagaLock(ctx context.Context, rdb *rd.Client, workflowID, token string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, SagaLockKey(workflowID), token, ttl).Result()
}

// RefreshSagaLock reports false once the lock has been lost.
func RefreshSagaLock(ctx context.Context, rdb *rd.Client, workflowID, token string, ttl time.Duration) (bool, error) {
	n, err := rdb.Eval(ctx, luaRefreshLockIfMatch, []string{SagaLockKey(workflowID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseSagaLockIfMatch drops the lock held under token.
func ReleaseSagaLockIfMatch(ctx context.Context, rdb *rd.Client, workflowID, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{SagaLockKey(workflowID)}, token).Int()
	return err
}
