package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/toll-recovery/internal/models"
)

// KafkaDispatcher publishes disposition events for the notification and
// analytics consumers. Messages are keyed by job id so per-job ordering is
// preserved within a partition.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

func NewKafkaDispatcher(brokers []string, topic string) *KafkaDispatcher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaDispatcher{writer: w}
}

func (k *KafkaDispatcher) Dispatch(ctx context.Context, d models.Disposition) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.JobID), Value: b})
}

func (k *KafkaDispatcher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
