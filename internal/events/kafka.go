// Package events delivers committed appointment events to the outside world.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
}

type KafkaConfig struct {
	Brokers string
	Topic   string
}

// NewKafkaWriter builds a writer that hashes on the message key, so all
// events for one appointment land on one partition in order.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []appointment.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := toMessage(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d kafka messages: %w", len(msgs), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(ev appointment.Event) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return kafka.Message{
		Key:   []byte(ev.AggregateID().String()),
		Value: payload,
		Time:  ev.OccurredAt(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID().String())},
			{Key: "event_type", Value: []byte(ev.EventType())},
		},
	}, nil
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
