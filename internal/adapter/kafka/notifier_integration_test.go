//go:build integration

package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const testTopic = "forecast-hours-ingested"

func startKafka(ctx context.Context, t *testing.T) []string {
	t.Helper()

	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("forecast-etl-test"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka container")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	require.NoError(t, err)
}

func TestNotifierPublishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	brokers := startKafka(ctx, t)
	createTopic(t, brokers[0], testTopic)

	n := NewNotifier(brokers, testTopic, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer n.Close()

	first := time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		hour := domain.IngestedHour{
			Instant:    first.Add(time.Duration(i) * time.Hour),
			Table:      "weather_raster",
			IngestedAt: time.Now().UTC(),
		}
		require.NoError(t, n.NotifyIngested(ctx, hour))
	}

	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    testTopic,
		GroupID:  "notifier-test",
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	defer r.Close()

	for i := range 3 {
		msg, err := r.ReadMessage(ctx)
		require.NoError(t, err)

		var got domain.IngestedHour
		require.NoError(t, json.Unmarshal(msg.Value, &got))
		assert.True(t, first.Add(time.Duration(i)*time.Hour).Equal(got.Instant))
		assert.Equal(t, "weather_raster", got.Table)
	}
}
