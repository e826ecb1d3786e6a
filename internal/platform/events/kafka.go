package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes checkout events keyed by checkout id so one checkout stays on one partition.
type KafkaPublisher struct {
	writer messageWriter
}

var _ services.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds a synchronous writer for the topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}), nil
}

func newKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// PublishCheckoutEvent implements services.EventPublisher.
func (p *KafkaPublisher) PublishCheckoutEvent(ctx context.Context, event services.CheckoutEvent) error {
	env, data, err := encode(event)
	if err != nil {
		return err
	}
	attrs := attributes(env)
	headers := make([]kafka.Header, 0, len(attrs))
	for _, key := range []string{"eventId", "eventType", "checkoutId", "version", "mode", "errorKind"} {
		if value, ok := attrs[key]; ok {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(env.CheckoutID),
		Value:   data,
		Headers: headers,
		Time:    env.OccurredAt,
	}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", env.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
