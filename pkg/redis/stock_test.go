package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestReserveStockNeverOversells(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, StockKey("p1"), 10, 0).Err())

	var won atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := ReserveStock(ctx, rdb, "p1", 1)
			if err == nil && ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), won.Load())
	left, found, err := GetStock(ctx, rdb, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), left)
}

func TestReserveStockShortLeavesCounter(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, StockKey("p1"), 2, 0).Err())

	_, ok, err := ReserveStock(ctx, rdb, "p1", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	left, _, err := GetStock(ctx, rdb, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)

	_, ok, err = ReserveStock(ctx, rdb, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseStockRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	n, err := ReleaseStock(ctx, rdb, "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	remaining, ok, err := ReserveStock(ctx, rdb, "p1", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), remaining)

	n, err = ReleaseStock(ctx, rdb, "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestReleaseHoldOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, StockKey("p1"), 3, 0).Err())

	released, counter, err := ReleaseHoldOnce(ctx, rdb, "o1", "p1", 2)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, int64(5), counter)

	released, counter, err = ReleaseHoldOnce(ctx, rdb, "o1", "p1", 2)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, int64(-1), counter)

	left, _, err := GetStock(ctx, rdb, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), left)

	marker, err := mr.Get(HoldReleasedKey("o1"))
	require.NoError(t, err)
	assert.Equal(t, "p1/2", marker)
	assert.Greater(t, mr.TTL(HoldReleasedKey("o1")), time.Duration(0))
}

func TestSeedStockIfAbsentKeepsExisting(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	seeded, err := SeedStockIfAbsent(ctx, rdb, "p1", 7)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = SeedStockIfAbsent(ctx, rdb, "p1", 100)
	require.NoError(t, err)
	assert.False(t, seeded)

	left, _, err := GetStock(ctx, rdb, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), left)
}

func TestPriceAndProgress(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	_, found, err := GetPrice(ctx, rdb, "p1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetPrice(ctx, rdb, "p1", 1999))
	price, found, err := GetPrice(ctx, rdb, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1999), price)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, PutProgress(ctx, rdb, ProgressState{
		OrderID: "o1", Status: "PAYMENT_PENDING", Message: "waiting", UpdatedAt: now,
	}, time.Hour))

	st, found, err := GetProgress(ctx, rdb, "o1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "PAYMENT_PENDING", st.Status)
	assert.Equal(t, "waiting", st.Message)
	assert.True(t, now.Equal(st.UpdatedAt))
}

func TestSagaLockOwnership(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	ok, err := AcquireSagaLock(ctx, rdb, "order-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AcquireSagaLock(ctx, rdb, "order-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	refreshed, err := RefreshSagaLock(ctx, rdb, "order-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, refreshed)

	// a foreign token must not remove the lock
	require.NoError(t, ReleaseSagaLockIfMatch(ctx, rdb, "order-1", "b"))
	ok, err = AcquireSagaLock(ctx, rdb, "order-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ReleaseSagaLockIfMatch(ctx, rdb, "order-1", "a"))
	ok, err = AcquireSagaLock(ctx, rdb, "order-1", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
