// Package kafka publishes committed ledger events to a Kafka topic so
// other household services (notifications, dashboards) can follow balances.
//
// Publishing happens after commit and never affects the ledger: a failed
// publish is logged and counted by the coordinator, the event stays in the
// log. Messages are keyed by account ID so one child's events stay ordered
// within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/star-ledger/ledger"
)

const DefaultTopic = "star_ledger_events"

// EventMessage is the JSON value of every published message.
type EventMessage struct {
	EventID    string    `json:"event_id"`
	AccountID  string    `json:"account_id"`
	Kind       string    `json:"kind"`
	Delta      int64     `json:"delta"`
	Reference  string    `json:"reference,omitempty"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	topic  string
}

var _ ledger.Publisher = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 5 * time.Second,
		},
		topic: topic,
	}
}

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) Publish(ctx context.Context, ev ledger.LedgerEvent) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.ID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Message encodes ev. The key is the account ID, the kind travels as a
// header so consumers can filter without decoding.
func Message(ev ledger.LedgerEvent) (kafka.Message, error) {
	data, err := json.Marshal(EventMessage{
		EventID:    string(ev.ID),
		AccountID:  string(ev.AccountID),
		Kind:       string(ev.Kind),
		Delta:      ev.Delta,
		Reference:  ev.Reference,
		Version:    ev.Version,
		OccurredAt: ev.OccurredAt.UTC(),
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(ev.AccountID),
		Value:   data,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind)}},
		Time:    ev.OccurredAt,
	}, nil
}
