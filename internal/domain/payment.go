package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the confirmation state of a payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentConfirmed, PaymentFailed, PaymentRefunded:
		return true
	default:
		return false
	}
}

// Payment is one payment attempt tied to exactly one subscription.
type Payment struct {
	ID                   string          `json:"id"`
	UserAddress          string          `json:"user_address"`
	SubscriptionID       string          `json:"subscription_id"`
	AmountInSettlement   decimal.Decimal `json:"amount_in_settlement_currency"`
	AmountUSDCEquivalent decimal.Decimal `json:"amount_usdc_equivalent"`
	SettlementFXRate     decimal.Decimal `json:"settlement_fx_rate"`
	TransactionReference string          `json:"transaction_reference"`
	Status               PaymentStatus   `json:"status"`
	VerificationAttempts int             `json:"verification_attempts"`
	LastVerificationAt   *time.Time      `json:"last_verification_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// PriceQuote is a USD price with its equivalent in the settlement currency.
// Callers must re-fetch once ValidUntil has passed.
type PriceQuote struct {
	USDPrice         decimal.Decimal `json:"usd_price"`
	SettlementAmount decimal.Decimal `json:"settlement_amount"`
	FXRate           decimal.Decimal `json:"fx_rate"`
	ValidUntil       time.Time       `json:"valid_until"`
	Fallback         bool            `json:"fallback"`
}

// Stale reports whether the quote should no longer be used at now.
func (q PriceQuote) Stale(now time.Time) bool {
	return now.After(q.ValidUntil)
}
