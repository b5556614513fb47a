package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// ProgressState mirrors the hash stored under ProgressKey.
type ProgressState struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetProgress looks up the latest progress of an order. found=false means no snapshot yet.
func GetProgress(ctx context.Context, rdb *rd.Client, orderID string) (ProgressState, bool, error) {
	m, err := rdb.HGetAll(ctx, ProgressKey(orderID)).Result()
	if err != nil {
		return ProgressState{}, false, err
	}
	if len(m) == 0 {
		return ProgressState{}, false, nil
	}

	out := ProgressState{
		OrderID: orderID,
		Status:  m["status"],
		Message: m["message"],
		Reason:  m["reason"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["updated_at"]); err == nil {
		out.UpdatedAt = ts
	}
	return out, true, nil
}

// PutProgress replaces the snapshot and refreshes its TTL.
func PutProgress(ctx context.Context, rdb *rd.Client, st ProgressState, ttl time.Duration) error {
	key := ProgressKey(st.OrderID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", st.OrderID,
		"status", st.Status,
		"message", st.Message,
		"reason", st.Reason,
		"updated_at", st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
