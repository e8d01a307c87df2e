// Package kafka publishes AlertEvents to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// Writer produces alert events to a Kafka topic.
// It implements alert.Sink.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the alert topic. Events are keyed
// by geofence id so one geofence's events stay ordered on a partition.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish writes one event and waits for all in-sync replicas.
func (w *Writer) Publish(ctx context.Context, event domain.AlertEvent) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", event.ID, err)
	}
	w.logger.Debug("alert event published", "event_id", event.ID, "geofence_id", event.GeofenceID)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an AlertEvent into a Kafka message. The event
// id travels as a header so consumers can deduplicate redeliveries.
func serializeToMessage(event domain.AlertEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.GeofenceID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "hazard", Value: []byte(event.Hazard)},
			{Key: "severity", Value: []byte(event.Severity)},
			{Key: "emitted_at", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
