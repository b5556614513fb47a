package queue

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer wraps one kafka.Writer shared by every topic; each message names its own topic.
type Producer struct {
	w *kafka.Writer
}

// NewProducer configures the writer for durability:
// Hash keeps one key on one partition, so an order's events stay ordered;
// RequireAll waits for the in-sync replicas.
func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            5,
			WriteTimeout:           5 * time.Second,
			ReadTimeout:            5 * time.Second,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish writes messages synchronously.
func (p *Producer) Publish(ctx context.Context, msgs ...kafka.Message) error {
	return p.w.WriteMessages(ctx, msgs...)
}
