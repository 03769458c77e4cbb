// Package kafka publishes sealed audit records to a Kafka topic after commit.
// The ledger in the record store stays authoritative; the topic is a copy for
// downstream consumers.
package kafka

import (
	"context"
	"elogbook/pkg/domain"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the slice of *kgo.Client the sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Sink implements core.ChangeSink.
type Sink struct {
	client Producer
	topic  string
}

// New connects a producer to brokers. Records are acknowledged by all
// in-sync replicas and keyed by entity id so one entity's history lands on
// one partition in ledger order.
func New(brokers []string, topic string, opts ...kgo.Opt) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka: topic required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID("elogbook"),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Sink{client: client, topic: topic}, nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(p Producer, topic string) *Sink {
	return &Sink{client: p, topic: topic}
}

// Topic returns the destination topic.
func (s *Sink) Topic() string { return s.topic }

// Publish sends rec and waits for the broker acknowledgement.
func (s *Sink) Publish(ctx context.Context, rec domain.AuditRecord) error {
	r, err := NewRecord(s.topic, rec)
	if err != nil {
		return err
	}
	if err := s.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s seq %d: %w", rec.ID, rec.Seq, err)
	}
	return nil
}

// Close flushes and releases the client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

// Header names carried on every record.
const (
	HeaderAction     = "elogbook-action"
	HeaderEntityType = "elogbook-entity-type"
	HeaderSeq        = "elogbook-seq"
	HeaderHash       = "elogbook-hash"
)

// NewRecord encodes rec as a JSON Kafka record.
func NewRecord(topic string, rec domain.AuditRecord) (*kgo.Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal audit record %s: %w", rec.ID, err)
	}
	return &kgo.Record{
		Topic:     topic,
		Key:       []byte(rec.EntityID),
		Value:     payload,
		Timestamp: rec.Timestamp,
		Headers: []kgo.RecordHeader{
			{Key: HeaderAction, Value: []byte(rec.Action)},
			{Key: HeaderEntityType, Value: []byte(rec.EntityType)},
			{Key: HeaderSeq, Value: []byte(strconv.FormatUint(rec.Seq, 10))},
			{Key: HeaderHash, Value: []byte(rec.Hash)},
		},
	}, nil
}
