package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"

	"github.com/msgrelay/msgrelay/store"
)

const (
	writeTimeout = 3 * time.Second
	dialTimeout  = 10 * time.Second
)

// Journal receives every persisted message, for downstream consumers such as
// mail notifiers or analytics. It is never part of the write path's outcome.
type Journal interface {
	Append(ctx context.Context, m *store.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaJournal appends messages as JSON values keyed by the sender room, so
// one sender's messages stay ordered within a partition.
type KafkaJournal struct {
	writer   IKafkaWriter
	maxBytes int
}

func NewKafkaJournal(brokers []string, topic string, maxBytes int) *KafkaJournal {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   dialTimeout,
			DualStack: true,
		},
	})
	glog.Infof("journal: kafka writer, brokers: %v, topic: %s", brokers, topic)
	return newKafkaJournal(w, maxBytes)
}

func newKafkaJournal(w IKafkaWriter, maxBytes int) *KafkaJournal {
	return &KafkaJournal{writer: w, maxBytes: maxBytes}
}

func key(m *store.Message) []byte {
	if m.Orphan() {
		return []byte("unknown")
	}
	return []byte(m.From.Room())
}

func (j *KafkaJournal) Append(ctx context.Context, m *store.Message) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshal message %d: %v", m.ID, err)
	}
	if len(value) > j.maxBytes {
		return fmt.Errorf("journal: message %d exceeds max limit: %d bytes", m.ID, j.maxBytes)
	}

	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := j.writer.WriteMessages(ctx2, kafka.Message{Key: key(m), Value: value}); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}

func (j *KafkaJournal) Close() error {
	return j.writer.Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Append(context.Context, *store.Message) error { return nil }
func (Nop) Close() error                                  { return nil }
