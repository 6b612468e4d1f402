// Package events streams admission decisions to Kafka for offline archiving.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"admission-service/internal/bucketing"
	"admission-service/internal/util"
)

type Type string

const (
	TypeDenial     Type = "denial"
	TypeReputation Type = "reputation"
)

// Message is the wire format on the admission events topic.
type Message struct {
	ID              string    `json:"id"`
	Type            Type      `json:"type"`
	OccurredAt      time.Time `json:"occurred_at"`
	Key             string    `json:"key,omitempty"`
	IP              string    `json:"ip"`
	Action          string    `json:"action,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	DurationSeconds int64     `json:"duration_seconds,omitempty"`
	Bucket          int       `json:"bucket"`
}

// Publisher is best effort: a failed publish never changes an admission decision.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Producer is the subset of the Kafka client the publisher needs.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

type KafkaPublisher struct {
	producer Producer
	topic    string
	buckets  *bucketing.BucketingManager
}

func NewKafkaPublisher(producer Producer, topic string, buckets *bucketing.BucketingManager) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		buckets:  buckets,
	}
}

// Publish keys the message by the event bucket of its IP, so every event of one
// IP lands on the same partition in order.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	msg.Bucket = p.buckets.GetEventBucket(msg.IP)

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := []byte(strconv.Itoa(msg.Bucket))
	headers := map[string]string{"type": string(msg.Type)}
	if err := p.producer.ProduceMessage(ctx, p.topic, key, value, headers); err != nil {
		util.Warn("Failed to publish admission event",
			zap.String("type", string(msg.Type)),
			zap.String("ip", msg.IP),
			zap.Error(err))
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher drops every message. It is used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) error { return nil }

func (NopPublisher) Close() error { return nil }

// Decode parses a message read from the topic.
func Decode(value []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return Message{}, fmt.Errorf("decode event: %w", err)
	}
	switch msg.Type {
	case TypeDenial, TypeReputation:
	default:
		return Message{}, fmt.Errorf("decode event: unknown type %q", msg.Type)
	}
	return msg, nil
}
