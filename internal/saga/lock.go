package saga

import (
	"context"
	"time"

	rediskey "flash_checkout/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with an owner-token key per workflow.
type RedisLocker struct {
	rdb *rd.Client
}

func NewRedisLocker(rdb *rd.Client) *RedisLocker { return &RedisLocker{rdb: rdb} }

func (l *RedisLocker) Acquire(ctx context.Context, workflowID, token string, ttl time.Duration) (bool, error) {
	return rediskey.AcquireSagaLock(ctx, l.rdb, workflowID, token, ttl)
}

func (l *RedisLocker) Refresh(ctx context.Context, workflowID, token string, ttl time.Duration) (bool, error) {
	return rediskey.RefreshSagaLock(ctx, l.rdb, workflowID, token, ttl)
}

func (l *RedisLocker) Release(ctx context.Context, workflowID, token string) error {
	return rediskey.ReleaseSagaLockIfMatch(ctx, l.rdb, workflowID, token)
}

// RedisWaker implements Waker over Pub/Sub. Delivery is best effort: a wake published
// while the owner is not subscribed is lost, and the owner's poll picks the event up.
type RedisWaker struct {
	rdb *rd.Client
}

func NewRedisWaker(rdb *rd.Client) *RedisWaker { return &RedisWaker{rdb: rdb} }

func (w *RedisWaker) Wake(ctx context.Context, workflowID string) error {
	return w.rdb.Publish(ctx, rediskey.SagaWakeChannel(workflowID), workflowID).Err()
}

func (w *RedisWaker) Listen(ctx context.Context) (<-chan string, error) {
	sub := w.rdb.PSubscribe(ctx, rediskey.SagaWakePattern)
	// the first reply confirms the subscription
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
