// Package events publishes checkout outcomes to Pub/Sub or Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

const (
	schemaVersion  = "1"
	publishTimeout = 10 * time.Second
)

// envelope is the wire shape shared by every broker.
type envelope struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Version     string    `json:"version"`
	CheckoutID  string    `json:"checkoutId"`
	UserID      string    `json:"userId,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	OrderID     string    `json:"orderId,omitempty"`
	OrderNumber string    `json:"orderNumber,omitempty"`
	Total       string    `json:"total,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	PointsUsed  int64     `json:"pointsUsed,omitempty"`
	PointsValue string    `json:"pointsValue,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func encode(event services.CheckoutEvent) (envelope, []byte, error) {
	if strings.TrimSpace(event.CheckoutID) == "" {
		return envelope{}, nil, errors.New("events: checkout id is required")
	}
	env := envelope{
		ID:          strings.TrimSpace(event.ID),
		Type:        string(event.Type),
		Version:     schemaVersion,
		CheckoutID:  event.CheckoutID,
		UserID:      event.UserID,
		Mode:        string(event.Mode),
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		Currency:    event.Currency,
		PointsUsed:  event.PointsUsed,
		ErrorKind:   string(event.ErrorKind),
		Message:     event.Message,
		OccurredAt:  event.OccurredAt.UTC(),
	}
	if env.ID == "" {
		env.ID = ulid.Make().String()
	}
	if !event.Total.IsZero() {
		env.Total = event.Total.StringFixed(2)
	}
	if !event.PointsValue.IsZero() {
		env.PointsValue = event.PointsValue.StringFixed(2)
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return envelope{}, nil, fmt.Errorf("events: marshal checkout event: %w", err)
	}
	return env, data, nil
}

func attributes(env envelope) map[string]string {
	attrs := map[string]string{
		"eventId":    env.ID,
		"eventType":  env.Type,
		"checkoutId": env.CheckoutID,
		"version":    env.Version,
	}
	if env.Mode != "" {
		attrs["mode"] = env.Mode
	}
	if env.ErrorKind != "" {
		attrs["errorKind"] = env.ErrorKind
	}
	return attrs
}

// Noop drops events when no broker is configured.
type Noop struct{}

// PublishCheckoutEvent implements services.EventPublisher.
func (Noop) PublishCheckoutEvent(_ context.Context, _ services.CheckoutEvent) error { return nil }
