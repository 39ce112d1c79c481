package domain

import "time"

// BonusEvent records one external event granting bonus subscription days.
// SourcePurchaseID is the natural deduplication key.
type BonusEvent struct {
	ID                         string     `json:"id"`
	UserAddress                string     `json:"user_address"`
	SourcePurchaseID           string     `json:"source_purchase_id"`
	SourceTransactionReference string     `json:"source_transaction_reference"`
	RelatedCampaignID          *string    `json:"related_campaign_id,omitempty"`
	BonusDays                  int        `json:"bonus_days"`
	BonusApplied               bool       `json:"bonus_applied"`
	BonusAppliedAt             *time.Time `json:"bonus_applied_at,omitempty"`
	LinkedSubscriptionID       *string    `json:"linked_subscription_id,omitempty"`
	CreatedAt                  time.Time  `json:"created_at"`
}
