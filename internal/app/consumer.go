package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/affiliate-subscription-service/internal/domain"
	"github.com/transfa/affiliate-subscription-service/internal/store"
)

// LifecycleEventHandler is the part of Service the inbound consumer drives.
type LifecycleEventHandler interface {
	HandleBonusEvent(ctx context.Context, req BonusEventRequest) (BonusEventOutcome, error)
	ActivatePayment(ctx context.Context, transactionReference string) (bool, error)
}

// InboundEventConsumer turns broker messages from other services into lifecycle calls.
// Handlers return true to ack and false to requeue.
type InboundEventConsumer struct {
	handler LifecycleEventHandler
	logger  *slog.Logger
	timeout time.Duration
}

func NewInboundEventConsumer(handler LifecycleEventHandler, logger *slog.Logger) *InboundEventConsumer {
	return &InboundEventConsumer{handler: handler, logger: logger, timeout: 15 * time.Second}
}

// Bindings maps routing keys to handlers for rabbitmq.Consumer.ConsumeWithBindings.
func (c *InboundEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.RoutingTicketPurchased:  c.HandleTicketPurchased,
		domain.RoutingPaymentConfirmed: c.HandlePaymentConfirmed,
	}
}

// HandleTicketPurchased grants bonus days for a ticket purchase. A failure before the bonus
// event is recorded is requeued; the dedup gate makes redelivery safe. Once the event is
// recorded it is never requeued, since reprocessing is an operator action.
func (c *InboundEventConsumer) HandleTicketPurchased(body []byte) bool {
	var event domain.TicketPurchasedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("ticket event payload invalid; dropping", "error", err)
		return true
	}
	if strings.TrimSpace(event.PurchaseID) == "" || strings.TrimSpace(event.UserAddress) == "" {
		c.logger.Warn("ticket event missing purchase id or user address; dropping", "purchase_id", event.PurchaseID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var campaignID *string
	if trimmed := strings.TrimSpace(event.CampaignID); trimmed != "" {
		campaignID = &trimmed
	}

	outcome, err := c.handler.HandleBonusEvent(ctx, BonusEventRequest{
		UserAddress:                event.UserAddress,
		SourcePurchaseID:           event.PurchaseID,
		SourceTransactionReference: event.TransactionDigest,
		CampaignID:                 campaignID,
		BonusDays:                  event.BonusDays,
	})

	switch outcome {
	case BonusEventApplied, BonusEventDuplicate:
		return true
	case BonusEventUnapplied:
		c.logger.Error("ticket bonus recorded but not applied", "purchase_id", event.PurchaseID, "error", err)
		return true
	case BonusEventNotRecorded:
		if errors.Is(err, ErrInvalidUserAddress) {
			c.logger.Warn("ticket event has invalid user address; dropping", "purchase_id", event.PurchaseID, "error", err)
			return true
		}
		c.logger.Warn("ticket bonus not recorded; requeueing", "purchase_id", event.PurchaseID, "error", err)
		return false
	default:
		c.logger.Error("unhandled bonus event outcome", "outcome", outcome, "purchase_id", event.PurchaseID)
		return false
	}
}

// HandlePaymentConfirmed activates the subscription paid by the referenced transaction.
func (c *InboundEventConsumer) HandlePaymentConfirmed(body []byte) bool {
	var event domain.PaymentConfirmedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("payment event payload invalid; dropping", "error", err)
		return true
	}
	if strings.TrimSpace(event.TransactionReference) == "" {
		c.logger.Warn("payment event missing transaction reference; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	activated, err := c.handler.ActivatePayment(ctx, event.TransactionReference)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			c.logger.Info("no payment recorded for confirmed transaction; acknowledging", "tx_ref", event.TransactionReference)
			return true
		}
		c.logger.Warn("payment activation failed; requeueing", "tx_ref", event.TransactionReference, "error", err)
		return false
	}
	if !activated {
		c.logger.Info("payment event did not activate a subscription", "tx_ref", event.TransactionReference)
	}
	return true
}
