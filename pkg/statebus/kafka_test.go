package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"trustpath/pkg/models"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "evidence"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}, Topic: "evidence"})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestPublishTrace(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}

	trace := &models.Trace{ID: "tr-1", PlanID: "plan-1", Tenant: "acme", FinalStatus: models.StatusCompleted}
	if err := p.PublishTrace(context.Background(), trace); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "acme" {
		t.Fatalf("key = %q, want tenant", w.msgs[0].Key)
	}
	var decoded models.Trace
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "tr-1" || decoded.FinalStatus != models.StatusCompleted {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestPublishTraceGuards(t *testing.T) {
	var nilPub *KafkaPublisher
	if err := nilPub.PublishTrace(context.Background(), &models.Trace{}); err == nil {
		t.Fatal("expected error from nil publisher")
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}

	p := &KafkaPublisher{writer: &fakeKafkaWriter{}}
	if err := p.PublishTrace(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil trace")
	}

	p = &KafkaPublisher{writer: &fakeKafkaWriter{err: errors.New("broker down")}}
	if err := p.PublishTrace(context.Background(), &models.Trace{ID: "tr"}); err == nil {
		t.Fatal("expected writer error")
	}
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "evidence", GroupID: "g1"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "evidence"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}

	c, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "evidence", GroupID: "g1"})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerRead(t *testing.T) {
	var nilConsumer *KafkaConsumer
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}

	c := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
	if _, err := c.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected reader error")
	}

	c = &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Key: []byte("acme"), Value: []byte(`{"trace_id":"tr-1"}`)}}}
	msg, err := c.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Key) != "acme" || string(msg.Value) != `{"trace_id":"tr-1"}` {
		t.Fatalf("message = %+v", msg)
	}
}
