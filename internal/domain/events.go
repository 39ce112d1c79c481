/**
 * @description
 * Event contracts consumed from and published to the message broker (RabbitMQ).
 */
package domain

import "time"

// TicketPurchasedEvent is received when a user buys an event ticket that carries
// bonus subscription days.
type TicketPurchasedEvent struct {
	UserAddress       string `json:"user_address"`
	PurchaseID        string `json:"purchase_id"`
	TransactionDigest string `json:"transaction_digest"`
	CampaignID        string `json:"campaign_id,omitempty"`
	BonusDays         int    `json:"bonus_days,omitempty"`
}

// PaymentConfirmedEvent is received when a payment watcher sees a subscription
// payment land on chain.
type PaymentConfirmedEvent struct {
	TransactionReference string `json:"transaction_reference"`
}

// SubscriptionEvent is published on every lifecycle transition.
type SubscriptionEvent struct {
	UserAddress    string        `json:"user_address"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	BonusEventID   string        `json:"bonus_event_id,omitempty"`
	Status         ProfileStatus `json:"status,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	BonusDays      int           `json:"bonus_days,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Routing keys for published lifecycle events.
const (
	EventSubscriptionCreated   = "subscription.created"
	EventSubscriptionActivated = "subscription.activated"
	EventBonusApplied          = "subscription.bonus.applied"
	EventBonusUnapplied        = "subscription.bonus.unapplied"
	EventSubscriptionExpired   = "subscription.expired"
	EventSubscriptionCancelled = "subscription.cancelled"
)

// Routing keys for consumed events.
const (
	RoutingTicketPurchased  = "ticket.purchased"
	RoutingPaymentConfirmed = "payment.confirmed"
)
