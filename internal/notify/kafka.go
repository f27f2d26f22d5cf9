package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka publishes events to a topic. Writes are batched and asynchronous;
// the dispatcher's retry loop covers broker hiccups.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		},
	}
}

func (k *Kafka) Name() string {
	return "kafka"
}

func (k *Kafka) Publish(ctx context.Context, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
