package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"admission-service/internal/bucketing"
	"admission-service/internal/config"
)

type produced struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	mu     sync.Mutex
	sent   []produced
	err    error
	closed bool
}

func (f *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, produced{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func newBuckets() *bucketing.BucketingManager {
	return bucketing.NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{EventBuckets: 32}})
}

func TestKafkaPublisher_KeysByIPBucket(t *testing.T) {
	producer := &fakeProducer{}
	buckets := newBuckets()
	pub := NewKafkaPublisher(producer, "admission-events", buckets)

	msg := Message{
		ID:         "e1",
		Type:       TypeDenial,
		OccurredAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Key:        "ratelimit:ip:1.2.3.4:login",
		IP:         "1.2.3.4",
	}
	if err := pub.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if len(producer.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(producer.sent))
	}
	sent := producer.sent[0]
	wantBucket := buckets.GetEventBucket("1.2.3.4")
	if string(sent.key) != strconv.Itoa(wantBucket) {
		t.Errorf("key = %s, want %d", sent.key, wantBucket)
	}
	if sent.topic != "admission-events" || sent.headers["type"] != "denial" {
		t.Errorf("topic/header = %s/%s", sent.topic, sent.headers["type"])
	}

	decoded, err := Decode(sent.value)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.Bucket != wantBucket || decoded.Key != msg.Key || !decoded.OccurredAt.Equal(msg.OccurredAt) {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestKafkaPublisher_ReturnsProducerError(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewKafkaPublisher(&fakeProducer{err: boom}, "t", newBuckets())

	if err := pub.Publish(context.Background(), Message{Type: TypeReputation, IP: "1.1.1.1"}); !errors.Is(err, boom) {
		t.Fatalf("Publish() error = %v, want %v", err, boom)
	}
}

func TestKafkaPublisher_CloseClosesProducer(t *testing.T) {
	producer := &fakeProducer{}
	if err := NewKafkaPublisher(producer, "t", newBuckets()).Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !producer.closed {
		t.Error("producer not closed")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"other","ip":"1.1.1.1"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), Message{}); err != nil {
		t.Errorf("Publish() error: %v", err)
	}
}
