// Package kafka mirrors persistence events onto a Kafka topic for downstream
// consumers that do not read the Redis stream.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// defaultKey keeps every event on one partition so consumers see engine
// order.
const defaultKey = "engine"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements domain.EventQueue on a synchronous kafka.Writer.
type Producer struct {
	writer messageWriter
	key    []byte
}

// NewProducer creates a Producer writing to topic with acks from all replicas.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		key: []byte(defaultKey),
	}
}

func (p *Producer) message(evt domain.PersistenceEvent) (kafka.Message, error) {
	if err := evt.Validate(); err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode %s: %w", evt.Type, err)
	}
	return kafka.Message{
		Key:   p.key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
		Time: time.UnixMilli(evt.Timestamp),
	}, nil
}

// Enqueue validates evt and writes it, waiting for the broker ack.
func (p *Producer) Enqueue(ctx context.Context, evt domain.PersistenceEvent) error {
	msg, err := p.message(evt)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", evt.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

var _ domain.EventQueue = (*Producer)(nil)
