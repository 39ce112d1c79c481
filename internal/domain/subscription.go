/**
 * @description
 * This file defines the core domain models for the affiliate subscription service.
 * It includes the Subscription, Payment and BonusEvent rows, the denormalized
 * profile projection, and the closed status enums every lifecycle branch switches on.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionType identifies how a subscription period was obtained.
type SubscriptionType string

const (
	SubscriptionTypeTrial   SubscriptionType = "trial"
	SubscriptionTypeMonthly SubscriptionType = "monthly"
	SubscriptionTypeBonus   SubscriptionType = "bonus"
)

func (t SubscriptionType) Valid() bool {
	switch t {
	case SubscriptionTypeTrial, SubscriptionTypeMonthly, SubscriptionTypeBonus:
		return true
	default:
		return false
	}
}

// SubscriptionState is the status of a single subscription row.
type SubscriptionState string

const (
	SubscriptionPending   SubscriptionState = "pending"
	SubscriptionActive    SubscriptionState = "active"
	SubscriptionExpired   SubscriptionState = "expired"
	SubscriptionCancelled SubscriptionState = "cancelled"
)

func (s SubscriptionState) Valid() bool {
	switch s {
	case SubscriptionPending, SubscriptionActive, SubscriptionExpired, SubscriptionCancelled:
		return true
	default:
		return false
	}
}

// ProfileStatus is the user-level subscription status kept on the profile projection.
type ProfileStatus string

const (
	ProfileTrial     ProfileStatus = "trial"
	ProfileActive    ProfileStatus = "active"
	ProfileExpired   ProfileStatus = "expired"
	ProfileCancelled ProfileStatus = "cancelled"
)

func (s ProfileStatus) Valid() bool {
	switch s {
	case ProfileTrial, ProfileActive, ProfileExpired, ProfileCancelled:
		return true
	default:
		return false
	}
}

// ParseProfileStatus maps a stored value onto the closed enum. Unknown values
// are reported as errors so callers can fail closed.
func ParseProfileStatus(raw string) (ProfileStatus, error) {
	status := ProfileStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return ProfileExpired, fmt.Errorf("unknown profile subscription status %q", raw)
	}
	return status, nil
}

// BonusSource identifies what granted bonus days.
type BonusSource string

const (
	BonusSourceExternalTicket BonusSource = "external_ticket"
	BonusSourcePromotion      BonusSource = "promotion"
	BonusSourceManual         BonusSource = "manual"
)

func (s BonusSource) Valid() bool {
	switch s {
	case BonusSourceExternalTicket, BonusSourcePromotion, BonusSourceManual:
		return true
	default:
		return false
	}
}

// ParseBonusSource maps request input onto BonusSource.
func ParseBonusSource(raw string) (BonusSource, error) {
	source := BonusSource(strings.ToLower(strings.TrimSpace(raw)))
	if !source.Valid() {
		return "", fmt.Errorf("unknown bonus source %q", raw)
	}
	return source, nil
}

// Subscription represents one paid, trial or bonus period in the database.
type Subscription struct {
	ID                   string            `json:"id"`
	UserAddress          string            `json:"user_address"`
	Type                 SubscriptionType  `json:"subscription_type"`
	Status               SubscriptionState `json:"status"`
	PriceUSDC            decimal.Decimal   `json:"price_usdc"`
	PriceInSettlement    *decimal.Decimal  `json:"price_in_settlement_currency,omitempty"`
	SettlementFXRate     *decimal.Decimal  `json:"settlement_fx_rate,omitempty"`
	DurationDays         int               `json:"duration_days"`
	StartsAt             time.Time         `json:"starts_at"`
	ExpiresAt            time.Time         `json:"expires_at"`
	TransactionReference *string           `json:"transaction_reference,omitempty"`
	PaymentVerified      bool              `json:"payment_verified"`
	BonusSource          *BonusSource      `json:"bonus_source,omitempty"`
	BonusReferenceID     *string           `json:"bonus_reference_id,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Profile is the denormalized subscription projection stored on the users table.
// Version is the optimistic-concurrency token bumped on every projection write.
type Profile struct {
	UserAddress           string        `json:"user_address"`
	Status                ProfileStatus `json:"status"`
	TrialStartedAt        *time.Time    `json:"trial_started_at,omitempty"`
	TrialExpiresAt        *time.Time    `json:"trial_expires_at,omitempty"`
	SubscriptionExpiresAt *time.Time    `json:"subscription_expires_at,omitempty"`
	AutoRenew             bool          `json:"auto_renew"`
	Version               int64         `json:"-"`
}

// ProfileUpdate carries the projection fields a lifecycle transition writes.
// Nil fields are left untouched.
type ProfileUpdate struct {
	Status                *ProfileStatus
	TrialStartedAt        *time.Time
	TrialExpiresAt        *time.Time
	SubscriptionExpiresAt *time.Time
	AutoRenew             *bool
}

// SubscriptionStatus is the DTO returned to callers asking for a user's access state.
type SubscriptionStatus struct {
	Status                ProfileStatus `json:"status"`
	IsActive              bool          `json:"is_active"`
	DaysRemaining         int           `json:"days_remaining"`
	TrialStartedAt        *time.Time    `json:"trial_started_at,omitempty"`
	TrialExpiresAt        *time.Time    `json:"trial_expires_at,omitempty"`
	SubscriptionExpiresAt *time.Time    `json:"subscription_expires_at,omitempty"`
	AutoRenew             bool          `json:"auto_renew"`
	CurrentSubscription   *Subscription `json:"current_subscription,omitempty"`
}

// ExpiredStatus is the fail-closed default returned when status cannot be determined.
func ExpiredStatus() SubscriptionStatus {
	return SubscriptionStatus{Status: ProfileExpired}
}

// EffectiveExpiry returns the expiry that governs access for the current status.
func (s SubscriptionStatus) EffectiveExpiry() *time.Time {
	switch s.Status {
	case ProfileTrial:
		return s.TrialExpiresAt
	case ProfileActive:
		return s.SubscriptionExpiresAt
	case ProfileExpired, ProfileCancelled:
		return nil
	default:
		return nil
	}
}
