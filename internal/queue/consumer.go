package queue

import (
	"context"
	"fmt"
	"time"

	"flash_checkout/pkg/tracing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader the consumer drives.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ReaderFactory func() MessageReader

// NewReaderFactory builds group readers; a fresh reader resumes at the last committed offset.
func NewReaderFactory(brokers []string, topic, groupID string) ReaderFactory {
	return func() MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    1e6,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		})
	}
}

// HandlerFunc processes one message. A non-nil error leaves the offset uncommitted.
type HandlerFunc func(ctx context.Context, m kafka.Message) error

// Consumer commits a message only after its handler succeeded.
// On a handler error the reader is rebuilt so the message is fetched again.
type Consumer struct {
	newReader ReaderFactory
	handle    HandlerFunc
	backoff   time.Duration
	log       *zap.Logger
}

func NewConsumer(newReader ReaderFactory, handle HandlerFunc, backoff time.Duration, log *zap.Logger) *Consumer {
	return &Consumer{newReader: newReader, handle: handle, backoff: backoff, log: log}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		r := c.newReader()
		err := c.consume(ctx, r)
		if cerr := r.Close(); cerr != nil {
			c.log.Debug("close reader", zap.Error(cerr))
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("consumer restarting after error", zap.Error(err), zap.Duration("backoff", c.backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, r MessageReader) error {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}

		hctx := tracing.ExtractKafkaHeaders(ctx, m.Headers)
		if err := c.handle(hctx, m); err != nil {
			return fmt.Errorf("handle %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
}
