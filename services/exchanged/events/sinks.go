package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes events to a Kafka topic keyed by payment id so every
// conversion's events land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink constructs a sink writing to topic on the supplied brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}}, nil
}

// Name implements Sink.
func (k *KafkaSink) Name() string { return "kafka" }

// Publish implements Sink.
func (k *KafkaSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.PaymentID),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
}

// Close implements Sink.
func (k *KafkaSink) Close() error { return k.writer.Close() }

// RedisSink publishes events on a Redis pub/sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink constructs a sink publishing to channel.
func NewRedisSink(client redis.UniversalClient, channel string) (*RedisSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("redis channel required")
	}
	return &RedisSink{client: client, channel: channel}, nil
}

// Name implements Sink.
func (r *RedisSink) Name() string { return "redis" }

// Publish implements Sink.
func (r *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Close implements Sink.
func (r *RedisSink) Close() error { return r.client.Close() }
