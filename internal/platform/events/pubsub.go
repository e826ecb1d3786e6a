package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

// PubSubPublisher publishes checkout events to a Pub/Sub topic, ordered per checkout.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

var _ services.EventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher enables message ordering on the topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic}, nil
}

// PublishCheckoutEvent blocks until Pub/Sub acknowledges the message.
func (p *PubSubPublisher) PublishCheckoutEvent(ctx context.Context, event services.CheckoutEvent) error {
	env, data, err := encode(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes(env),
		OrderingKey: env.CheckoutID,
	})
	if _, err := result.Get(ctx); err != nil {
		// a failed ordered publish pauses the key until resumed
		p.topic.ResumePublish(env.CheckoutID)
		return fmt.Errorf("pubsub publish %s: %w", env.Type, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return nil
}
