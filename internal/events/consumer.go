package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/observability/logging"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads transcript records back from one topic. It reads a single
// partition without a consumer group, which is enough for tailing a topic
// during development.
type Consumer struct {
	reader     messageReader
	topic      string
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewConsumer reads partition 0 of topic starting at since (zero means the
// first available offset).
func NewConsumer(ctx context.Context, brokers []string, topic string, since time.Time) (*Consumer, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if !since.IsZero() {
		if err := r.SetOffsetAt(ctx, since); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return newConsumer(r, topic, time.Second), nil
}

func newConsumer(r messageReader, topic string, retryDelay time.Duration) *Consumer {
	return &Consumer{
		reader:     r,
		topic:      topic,
		retryDelay: retryDelay,
		logger:     logging.WithComponent("events.consumer").With().Str("topic", topic).Logger(),
	}
}

// Consume calls fn for every record until ctx is done or fn returns an error.
// Read failures are retried; undecodable messages are skipped.
func (c *Consumer) Consume(ctx context.Context, fn func(models.TranscriptRecord) error) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("Kafka read failed")
			select {
			case <-time.After(c.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		var rec models.TranscriptRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping undecodable record")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
