package events

import (
	"context"
	"time"
)

// Routing keys on the ledger exchange.
const (
	RoutingCreditsDebited        = "credits.debited"
	RoutingCreditsCredited       = "credits.credited"
	RoutingSubscriptionActivated = "subscription.activated"
	RoutingSubscriptionEnded     = "subscription.ended"
)

// DefaultExchange is the topic exchange ledger events are published to.
const DefaultExchange = "pixelforge.ledger"

// LedgerEvent is the payload published after a ledger mutation commits.
type LedgerEvent struct {
	RoutingKey string            `json:"-"`
	UserID     uint              `json:"user_id"`
	Amount     int64             `json:"amount"`
	Kind       string            `json:"kind"`
	Remaining  int64             `json:"remaining"`
	Status     string            `json:"subscription_status,omitempty"`
	EventKey   string            `json:"event_key,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Publisher delivers ledger events to downstream consumers. Publication is
// best effort and happens after commit.
type Publisher interface {
	Publish(ctx context.Context, ev LedgerEvent) error
	Close()
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev LedgerEvent) error { return nil }

func (NopPublisher) Close() {}
