package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flash_checkout/internal/metrics"
	"flash_checkout/internal/model"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OutboxStore is the part of the store the relay needs.
type OutboxStore interface {
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uint) error
	MarkOutboxFailed(ctx context.Context, id uint, cause string) error
	MarkOutboxDead(ctx context.Context, id uint, cause string) error
}

type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Relay forwards outbox rows to Kafka.
// A row is marked sent only after the broker accepted it; failures leave it pending for the next pass.
type Relay struct {
	store    OutboxStore
	pub      Publisher
	batch    int
	interval time.Duration
	log      *zap.Logger
}

func NewRelay(store OutboxStore, pub Publisher, batch int, interval time.Duration, log *zap.Logger) *Relay {
	return &Relay{store: store, pub: pub, batch: batch, interval: interval, log: log}
}

func (r *Relay) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := r.RelayOnce(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("outbox relay pass failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// RelayOnce publishes one batch in insertion order and stops at the first failure,
// so later events for a key never overtake earlier ones.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	rows, err := r.store.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	sent := 0
	for i := range rows {
		ev := &rows[i]
		msg, err := toMessage(ev)
		if err != nil {
			// dead rows are parked rather than blocking the queue
			r.log.Error("dropping malformed outbox row", zap.Uint("id", ev.ID), zap.Error(err))
			if err := r.store.MarkOutboxDead(ctx, ev.ID, err.Error()); err != nil {
				return sent, err
			}
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = r.pub.Publish(pubCtx, msg)
		cancel()
		if err != nil {
			metrics.OutboxPublished.WithLabelValues(ev.Topic, "error").Inc()
			if markErr := r.store.MarkOutboxFailed(ctx, ev.ID, err.Error()); markErr != nil {
				r.log.Warn("record outbox failure", zap.Uint("id", ev.ID), zap.Error(markErr))
			}
			return sent, fmt.Errorf("publish outbox %d to %s: %w", ev.ID, ev.Topic, err)
		}
		metrics.OutboxPublished.WithLabelValues(ev.Topic, "ok").Inc()

		if err := r.store.MarkOutboxSent(ctx, ev.ID); err != nil {
			// published but not marked: the row goes out again, consumers dedupe
			return sent, fmt.Errorf("mark outbox %d sent: %w", ev.ID, err)
		}
		sent++
	}
	return sent, nil
}

func toMessage(ev *model.OutboxEvent) (kafka.Message, error) {
	if ev.Topic == "" {
		return kafka.Message{}, fmt.Errorf("missing topic")
	}
	if ev.Payload == "" {
		return kafka.Message{}, fmt.Errorf("missing payload")
	}

	headers := []kafka.Header{{Key: "type", Value: []byte(ev.Type)}}
	if ev.Headers != "" {
		var carrier map[string]string
		if err := json.Unmarshal([]byte(ev.Headers), &carrier); err != nil {
			return kafka.Message{}, fmt.Errorf("headers: %w", err)
		}
		for k, v := range carrier {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}

	return kafka.Message{
		Topic:   ev.Topic,
		Key:     []byte(ev.Key),
		Value:   []byte(ev.Payload),
		Headers: headers,
	}, nil
}
