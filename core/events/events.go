/*Package events mirrors ingested telemetry to a Kafka topic.

The firehose is an optional sink for downstream analytics; ingestion
never depends on it succeeding.
*/
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/fov-tech/fovdash/core/logger"
)

// TelemetryEvent is one ingested message.
type TelemetryEvent struct {
	Tenant    string    `json:"tenant"`
	Device    string    `json:"device"`
	Metric    string    `json:"metric"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink accepts telemetry events. The ingestion router only depends on
// this interface.
type Sink interface {
	Publish(ctx context.Context, event TelemetryEvent)
	Close() error
}

// KafkaSink writes telemetry events to one Kafka topic, keyed by
// tenant so per-tenant ordering is preserved per partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink returns a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		// async, a slow broker must not stall ingestion
		Async:        true,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: writer}
}

// Publish appends one event to the firehose. Failures are logged and
// swallowed; the durable store remains the source of truth.
func (s *KafkaSink) Publish(ctx context.Context, event TelemetryEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Tenant),
		Value: body,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("telemetry firehose write failed")
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
