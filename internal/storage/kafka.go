package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"sigmaSquared/internal/model"
)

// KafkaStorage streams events to a topic, keyed by event source so one
// component's events stay ordered within a partition.
type KafkaStorage struct {
	writer *kafka.Writer
}

func NewKafkaStorage(brokers []string, topic string) *KafkaStorage {
	return &KafkaStorage{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaStorage) Publish(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strings.ToLower(event.Source)),
		Value: payload,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (s *KafkaStorage) Close() error {
	return s.writer.Close()
}
