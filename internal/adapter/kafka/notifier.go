package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Notifier announces stored forecast hours on a Kafka topic.
// It implements pipeline.Notifier.
type Notifier struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewNotifier creates a Kafka producer for topic.
func NewNotifier(brokers []string, topic string, logger *slog.Logger) *Notifier {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Notifier{writer: w, logger: logger}
}

// NotifyIngested publishes one message for hour. Messages for the same
// instant share a key so a reprocessed hour lands on the same partition.
func (n *Notifier) NotifyIngested(ctx context.Context, hour domain.IngestedHour) error {
	msg, err := serializeToMessage(hour)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish ingested hour %s: %w", msg.Key, err)
	}
	n.logger.Debug("ingested hour announced", "instant", string(msg.Key), "topic", n.writer.Topic)
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

func serializeToMessage(hour domain.IngestedHour) (kafkago.Message, error) {
	data, err := json.Marshal(hour)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize ingested hour: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(hour.Instant.UTC().Format(time.RFC3339)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "table", Value: []byte(hour.Table)},
			{Key: "ingested_at", Value: []byte(hour.IngestedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
