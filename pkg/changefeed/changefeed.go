// Package changefeed publishes document change events so that derived data (such as a
// user's total spend) can be recomputed when the store is not hosted.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Event mirrors the webhook body the hosted store sends on document changes.
type Event struct {
	Type      string `json:"_type"`
	ID        string `json:"_id"`
	Status    string `json:"status,omitempty"`
	Operation string `json:"operation"`
	// User is the id the document's user reference points at, when it has one.
	User string `json:"user,omitempty"`
}

// Publisher sends change events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Handler processes one change event.
type Handler func(ctx context.Context, ev Event) error

// KafkaPublisher writes events to a topic keyed by document id, so changes to one
// document stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.ID), Value: payload})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d change events: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Consumer reads events as a member of a consumer group.
type Consumer struct {
	reader *kafka.Reader
	topic  string
}

// NewKafkaConsumer returns a consumer for topic in groupID.
func NewKafkaConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		topic: topic,
	}
}

// Run blocks until ctx is cancelled, passing each decoded event to handle. Handler
// failures are logged and the message is still committed.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.WithField("topic", c.topic).Info("Consumer shutting down")
				return
			}
			log.WithFields(log.Fields{"topic": c.topic, "error": err}).Error("❌ Error reading change event")
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.WithFields(log.Fields{"topic": c.topic, "offset": msg.Offset, "error": err}).Warn("⚠️ Skipping malformed change event")
			continue
		}
		if err := handle(ctx, ev); err != nil {
			log.WithFields(log.Fields{"topic": c.topic, "document_id": ev.ID, "error": err}).Error("❌ Error handling change event")
		}
	}
}
