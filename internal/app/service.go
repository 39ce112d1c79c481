/**
 * @description
 * This file contains the core business logic for the affiliate subscription service.
 * The Service layer owns every lifecycle transition: status derivation with lazy expiration,
 * subscription creation, payment activation, bonus application and the bonus event gate.
 * It is the only writer of the profile projection.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/affiliate-subscription-service/internal/domain"
	"github.com/transfa/affiliate-subscription-service/internal/store"
	"github.com/transfa/affiliate-subscription-service/pkg/validation"
)

var (
	ErrInvalidUserAddress            = errors.New("invalid user address")
	ErrInvalidQuote                  = errors.New("price quote is invalid")
	ErrInvalidTransactionReference   = errors.New("transaction reference is required")
	ErrDuplicateTransactionReference = errors.New("transaction reference already used")
	ErrInvalidBonus                  = errors.New("bonus requires positive days and a known source")
	ErrBonusEventAlreadyApplied      = errors.New("bonus event already applied")
	ErrConcurrentUpdate              = errors.New("profile kept changing during update")
)

const (
	day                   = 24 * time.Hour
	monthlyDurationDays   = 30
	maxProjectionAttempts = 3
	stalePaymentBatchSize = 100
)

// Repository defines the interface for database operations that the service needs.
type Repository interface {
	GetProfile(ctx context.Context, userAddress string) (*domain.Profile, error)
	EnsureProfile(ctx context.Context, userAddress string) (*domain.Profile, error)
	UpdateProfile(ctx context.Context, userAddress string, expectedVersion int64, update domain.ProfileUpdate) (*domain.Profile, error)

	TransactionReferenceExists(ctx context.Context, transactionReference string) (bool, error)
	CreatePendingSubscription(ctx context.Context, sub *domain.Subscription, payment *domain.Payment) (*domain.Subscription, *domain.Payment, error)
	CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetLatestActiveSubscription(ctx context.Context, userAddress string) (*domain.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userAddress string) ([]domain.Subscription, error)
	ExpireLapsedSubscriptions(ctx context.Context, userAddress string, now time.Time) (int64, error)
	CancelActiveSubscriptions(ctx context.Context, userAddress string) (int64, error)

	GetPaymentByTransactionReference(ctx context.Context, transactionReference string) (*domain.Payment, error)
	ConfirmPaymentAndActivate(ctx context.Context, paymentID string, verifiedAt time.Time) (*domain.Subscription, error)
	ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
	FailPendingPayment(ctx context.Context, paymentID string, checkedAt time.Time) (*domain.Payment, error)

	GetBonusEventBySourcePurchaseID(ctx context.Context, sourcePurchaseID string) (*domain.BonusEvent, error)
	GetBonusEventByID(ctx context.Context, id string) (*domain.BonusEvent, error)
	CreateBonusEvent(ctx context.Context, event *domain.BonusEvent) (*domain.BonusEvent, error)
	MarkBonusEventApplied(ctx context.Context, id string, linkedSubscriptionID *string, appliedAt time.Time) (bool, error)
	ListUnappliedBonusEvents(ctx context.Context, olderThan time.Time, limit int) ([]domain.BonusEvent, error)
}

// PriceQuoter produces subscription price quotes.
type PriceQuoter interface {
	GetPriceQuote(ctx context.Context) domain.PriceQuote
}

// ChainVerifier reports whether a transaction reference is a confirmed on-chain payment.
type ChainVerifier interface {
	VerifyTransaction(ctx context.Context, transactionReference string) (bool, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Settings are the tunables the service reads from configuration.
type Settings struct {
	TrialDays        int
	DefaultBonusDays int
	EventsExchange   string

	// SubscriptionPriceUSD is the only USD price CreateSubscription accepts. Zero skips the check.
	SubscriptionPriceUSD decimal.Decimal
}

// Service provides the business logic for affiliate subscription management.
type Service struct {
	repo      Repository
	pricing   PriceQuoter
	verifier  ChainVerifier
	locker    UserLocker
	publisher EventPublisher
	logger    *slog.Logger
	settings  Settings
	now       func() time.Time
}

// NewService creates a new subscription service. locker and publisher may be nil.
func NewService(repo Repository, pricing PriceQuoter, verifier ChainVerifier, locker UserLocker, publisher EventPublisher, logger *slog.Logger, settings Settings) Service {
	if locker == nil {
		locker = NewLocalUserLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if settings.TrialDays <= 0 {
		settings.TrialDays = 14
	}
	if settings.DefaultBonusDays <= 0 {
		settings.DefaultBonusDays = 7
	}
	if settings.EventsExchange == "" {
		settings.EventsExchange = "affiliate.events"
	}

	return Service{
		repo:      repo,
		pricing:   pricing,
		verifier:  verifier,
		locker:    locker,
		publisher: publisher,
		logger:    logger,
		settings:  settings,
		now:       time.Now,
	}
}

func normalizeUser(userAddress string) (string, error) {
	normalized, err := validation.ValidateAndNormalizeAddress(userAddress)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserAddress, err)
	}
	return normalized, nil
}

// GetSubscriptionStatus returns the user's current access state. It never fails: any error
// reading the store yields the expired status.
func (s Service) GetSubscriptionStatus(ctx context.Context, userAddress string) domain.SubscriptionStatus {
	user, err := normalizeUser(userAddress)
	if err != nil {
		s.logger.Warn("status requested for invalid address", "user_address", userAddress, "error", err)
		return domain.ExpiredStatus()
	}

	status, err := s.readStatus(ctx, user)
	if err != nil {
		if !errors.Is(err, store.ErrProfileNotFound) {
			s.logger.Error("failed to resolve subscription status; failing closed", "user_address", user, "error", err)
		}
		return domain.ExpiredStatus()
	}
	return status
}

// readStatus answers from the projection when it needs no write. Lazy expiration and repair
// run under the user lock so they cannot interleave with an activation or bonus.
func (s Service) readStatus(ctx context.Context, user string) (domain.SubscriptionStatus, error) {
	profile, err := s.repo.GetProfile(ctx, user)
	if err != nil {
		return domain.SubscriptionStatus{}, err
	}
	activeSub, err := s.repo.GetLatestActiveSubscription(ctx, user)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return domain.SubscriptionStatus{}, err
	}
	now := s.now()
	update, _, err := reconcileProjection(profile, activeSub, now)
	if err != nil {
		return domain.SubscriptionStatus{}, err
	}
	if update == nil {
		return buildStatus(profile, activeSub, now), nil
	}

	unlock, err := s.locker.Lock(ctx, user)
	if err != nil {
		return domain.SubscriptionStatus{}, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	resolved, err := s.resolveStatus(ctx, user)
	if err != nil {
		return domain.SubscriptionStatus{}, err
	}
	return resolved.status, nil
}

// HasActiveSubscription is the access-control check for other services.
func (s Service) HasActiveSubscription(ctx context.Context, userAddress string) bool {
	return s.GetSubscriptionStatus(ctx, userAddress).IsActive
}

// GetPriceQuote returns the current subscription price.
func (s Service) GetPriceQuote(ctx context.Context) domain.PriceQuote {
	return s.pricing.GetPriceQuote(ctx)
}

// GetSubscriptionHistory lists a user's subscriptions, newest first.
func (s Service) GetSubscriptionHistory(ctx context.Context, userAddress string) ([]domain.Subscription, error) {
	user, err := normalizeUser(userAddress)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSubscriptionsByUser(ctx, user)
}

type resolvedStatus struct {
	profile   *domain.Profile
	activeSub *domain.Subscription
	status    domain.SubscriptionStatus
}

// resolveStatus reads the projection and the latest active subscription, writes back any
// lazy expiration or repair, and returns the resulting status with the profile version
// that a follow-up write must compare against.
func (s Service) resolveStatus(ctx context.Context, userAddress string) (*resolvedStatus, error) {
	for attempt := 0; attempt < maxProjectionAttempts; attempt++ {
		profile, err := s.repo.GetProfile(ctx, userAddress)
		if err != nil {
			return nil, err
		}
		activeSub, err := s.repo.GetLatestActiveSubscription(ctx, userAddress)
		if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, err
		}

		now := s.now()
		update, expiring, err := reconcileProjection(profile, activeSub, now)
		if err != nil {
			return nil, err
		}
		if update == nil {
			return &resolvedStatus{profile: profile, activeSub: activeSub, status: buildStatus(profile, activeSub, now)}, nil
		}

		updated, err := s.repo.UpdateProfile(ctx, userAddress, profile.Version, *update)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if expiring {
			s.finishLazyExpiration(ctx, userAddress, profile.Status, now)
			activeSub = nil
		} else {
			s.logger.Warn("profile projection lagged subscription store; repaired",
				"user_address", userAddress,
				"subscription_id", activeSub.ID,
				"expires_at", activeSub.ExpiresAt,
			)
		}
		return &resolvedStatus{profile: updated, activeSub: activeSub, status: buildStatus(updated, activeSub, now)}, nil
	}
	return nil, ErrConcurrentUpdate
}

// reconcileProjection decides whether the stored projection needs a write. The bool result is
// true when the write is a lazy expiration.
func reconcileProjection(profile *domain.Profile, activeSub *domain.Subscription, now time.Time) (*domain.ProfileUpdate, bool, error) {
	subLive := activeSub != nil && activeSub.ExpiresAt.After(now)

	switch profile.Status {
	case domain.ProfileActive:
		current := profile.SubscriptionExpiresAt
		if subLive && (current == nil || activeSub.ExpiresAt.After(*current)) {
			return activeProjection(activeSub.ExpiresAt), false, nil
		}
		if current == nil || !current.After(now) {
			return expiredProjection(), true, nil
		}
		return nil, false, nil
	case domain.ProfileTrial:
		if subLive {
			return activeProjection(activeSub.ExpiresAt), false, nil
		}
		if profile.TrialExpiresAt == nil || !profile.TrialExpiresAt.After(now) {
			return expiredProjection(), true, nil
		}
		return nil, false, nil
	case domain.ProfileExpired:
		if subLive {
			return activeProjection(activeSub.ExpiresAt), false, nil
		}
		return nil, false, nil
	case domain.ProfileCancelled:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unhandled profile status %q", profile.Status)
	}
}

func activeProjection(expiresAt time.Time) *domain.ProfileUpdate {
	status := domain.ProfileActive
	return &domain.ProfileUpdate{Status: &status, SubscriptionExpiresAt: &expiresAt}
}

func expiredProjection() *domain.ProfileUpdate {
	status := domain.ProfileExpired
	return &domain.ProfileUpdate{Status: &status}
}

func (s Service) finishLazyExpiration(ctx context.Context, userAddress string, previous domain.ProfileStatus, now time.Time) {
	if _, err := s.repo.ExpireLapsedSubscriptions(ctx, userAddress, now); err != nil {
		s.logger.Error("failed to expire lapsed subscription rows", "user_address", userAddress, "error", err)
	}
	s.logger.Info("subscription lazily expired", "user_address", userAddress, "previous_status", previous)
	s.publishEvent(ctx, domain.EventSubscriptionExpired, domain.SubscriptionEvent{
		UserAddress: userAddress,
		Status:      domain.ProfileExpired,
		Reason:      "lazy_expiration",
	})
}

func buildStatus(profile *domain.Profile, activeSub *domain.Subscription, now time.Time) domain.SubscriptionStatus {
	status := domain.SubscriptionStatus{
		Status:                profile.Status,
		TrialStartedAt:        profile.TrialStartedAt,
		TrialExpiresAt:        profile.TrialExpiresAt,
		SubscriptionExpiresAt: profile.SubscriptionExpiresAt,
		AutoRenew:             profile.AutoRenew,
	}

	expiry := status.EffectiveExpiry()
	if expiry != nil && expiry.After(now) {
		status.IsActive = true
		status.DaysRemaining = daysRemaining(*expiry, now)
		if profile.Status == domain.ProfileActive {
			status.CurrentSubscription = activeSub
		}
	}
	return status
}

// daysRemaining counts partial days as whole days.
func daysRemaining(expiry, now time.Time) int {
	remaining := expiry.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + day - 1) / day)
}

// CreateSubscription records a pending monthly subscription and its pending payment. The
// projection is not touched until the payment is verified.
func (s Service) CreateSubscription(ctx context.Context, userAddress string, quote domain.PriceQuote, transactionReference string) (*domain.Subscription, error) {
	user, err := normalizeUser(userAddress)
	if err != nil {
		return nil, err
	}
	txRef := strings.TrimSpace(transactionReference)
	if txRef == "" {
		return nil, ErrInvalidTransactionReference
	}
	if err := s.checkQuote(quote); err != nil {
		return nil, err
	}

	exists, err := s.repo.TransactionReferenceExists(ctx, txRef)
	if err != nil {
		return nil, fmt.Errorf("check transaction reference: %w", err)
	}
	if exists {
		return nil, ErrDuplicateTransactionReference
	}

	now := s.now()
	settlementAmount := quote.SettlementAmount
	fxRate := quote.FXRate
	sub := &domain.Subscription{
		UserAddress:          user,
		Type:                 domain.SubscriptionTypeMonthly,
		Status:               domain.SubscriptionPending,
		PriceUSDC:            quote.USDPrice,
		PriceInSettlement:    &settlementAmount,
		SettlementFXRate:     &fxRate,
		DurationDays:         monthlyDurationDays,
		StartsAt:             now,
		ExpiresAt:            now.Add(monthlyDurationDays * day),
		TransactionReference: &txRef,
	}
	payment := &domain.Payment{
		UserAddress:          user,
		AmountInSettlement:   settlementAmount,
		AmountUSDCEquivalent: quote.USDPrice,
		SettlementFXRate:     fxRate,
		TransactionReference: txRef,
		Status:               domain.PaymentPending,
	}

	created, _, err := s.repo.CreatePendingSubscription(ctx, sub, payment)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return nil, ErrDuplicateTransactionReference
		}
		return nil, err
	}

	s.logger.Info("pending subscription created", "user_address", user, "subscription_id", created.ID, "tx_ref", txRef)
	s.publishEvent(ctx, domain.EventSubscriptionCreated, domain.SubscriptionEvent{
		UserAddress:    user,
		SubscriptionID: created.ID,
		ExpiresAt:      &created.ExpiresAt,
		Reason:         "payment_pending",
	})
	return created, nil
}

// checkQuote rejects quotes whose settlement amount does not cover the USD price at the
// quoted rate, and quotes for any price other than the configured one.
func (s Service) checkQuote(quote domain.PriceQuote) error {
	if !quote.USDPrice.IsPositive() || !quote.SettlementAmount.IsPositive() || !quote.FXRate.IsPositive() {
		return ErrInvalidQuote
	}
	if quote.SettlementAmount.Mul(quote.FXRate).LessThan(quote.USDPrice) {
		return fmt.Errorf("%w: settlement amount does not cover the price", ErrInvalidQuote)
	}
	if price := s.settings.SubscriptionPriceUSD; !price.IsZero() && !quote.USDPrice.Equal(price) {
		return fmt.Errorf("%w: price %s does not match %s", ErrInvalidQuote, quote.USDPrice, price)
	}
	return nil
}

// VerifyAndActivateSubscription confirms the payment for transactionReference and activates
// its subscription. Repeated calls are safe and report whether the subscription is active.
func (s Service) VerifyAndActivateSubscription(ctx context.Context, transactionReference string) bool {
	activated, err := s.verifyAndActivate(ctx, transactionReference)
	if err != nil {
		s.logger.Error("payment verification failed", "tx_ref", transactionReference, "error", err)
		return false
	}
	return activated
}

// ActivatePayment is VerifyAndActivateSubscription with errors returned to the caller, so
// that event consumers can tell a missing payment from a transient failure.
func (s Service) ActivatePayment(ctx context.Context, transactionReference string) (bool, error) {
	return s.verifyAndActivate(ctx, transactionReference)
}

func (s Service) verifyAndActivate(ctx context.Context, transactionReference string) (bool, error) {
	txRef := strings.TrimSpace(transactionReference)
	if txRef == "" {
		return false, ErrInvalidTransactionReference
	}

	payment, err := s.repo.GetPaymentByTransactionReference(ctx, txRef)
	if err != nil {
		return false, err
	}

	switch payment.Status {
	case domain.PaymentConfirmed:
		return s.subscriptionActive(ctx, payment.SubscriptionID)
	case domain.PaymentFailed, domain.PaymentRefunded:
		return false, nil
	case domain.PaymentPending:
	default:
		return false, fmt.Errorf("unhandled payment status %q", payment.Status)
	}

	verified, err := s.verifier.VerifyTransaction(ctx, txRef)
	if err != nil {
		return false, fmt.Errorf("chain verification: %w", err)
	}
	if !verified {
		s.logger.Info("transaction not confirmed on chain", "tx_ref", txRef)
		return false, nil
	}
	return s.activateVerifiedPayment(ctx, payment)
}

// activateVerifiedPayment confirms a payment the chain has already accepted.
func (s Service) activateVerifiedPayment(ctx context.Context, payment *domain.Payment) (bool, error) {
	txRef := payment.TransactionReference
	unlock, err := s.locker.Lock(ctx, payment.UserAddress)
	if err != nil {
		return false, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	sub, err := s.repo.ConfirmPaymentAndActivate(ctx, payment.ID, s.now())
	switch {
	case errors.Is(err, store.ErrPaymentNotPending):
		current, lookupErr := s.repo.GetPaymentByTransactionReference(ctx, txRef)
		if lookupErr != nil {
			return false, lookupErr
		}
		if current.Status != domain.PaymentConfirmed {
			return false, nil
		}
		return s.subscriptionActive(ctx, current.SubscriptionID)
	case errors.Is(err, store.ErrSubscriptionNotPending):
		s.logger.Warn("payment confirmed for a subscription that is no longer pending", "tx_ref", txRef, "subscription_id", payment.SubscriptionID)
		return false, nil
	case err != nil:
		return false, err
	}

	if err := s.syncProjectionAfterActivation(ctx, sub); err != nil {
		s.logger.Error("projection sync after activation failed; next status read repairs it",
			"user_address", sub.UserAddress, "subscription_id", sub.ID, "error", err)
	}

	s.logger.Info("subscription activated", "user_address", sub.UserAddress, "subscription_id", sub.ID, "tx_ref", txRef)
	s.publishEvent(ctx, domain.EventSubscriptionActivated, domain.SubscriptionEvent{
		UserAddress:    sub.UserAddress,
		SubscriptionID: sub.ID,
		Status:         domain.ProfileActive,
		ExpiresAt:      &sub.ExpiresAt,
	})
	return true, nil
}

func (s Service) subscriptionActive(ctx context.Context, subscriptionID string) (bool, error) {
	sub, err := s.repo.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	return sub.Status == domain.SubscriptionActive && sub.ExpiresAt.After(s.now()), nil
}

// syncProjectionAfterActivation marks the user active, never shortening an existing paid expiry.
func (s Service) syncProjectionAfterActivation(ctx context.Context, sub *domain.Subscription) error {
	for attempt := 0; attempt < maxProjectionAttempts; attempt++ {
		profile, err := s.repo.EnsureProfile(ctx, sub.UserAddress)
		if err != nil {
			return err
		}

		expiry := sub.ExpiresAt
		if profile.Status == domain.ProfileActive && profile.SubscriptionExpiresAt != nil && profile.SubscriptionExpiresAt.After(expiry) {
			expiry = *profile.SubscriptionExpiresAt
		}

		_, err = s.repo.UpdateProfile(ctx, sub.UserAddress, profile.Version, *activeProjection(expiry))
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return ErrConcurrentUpdate
}

type bonusOutcome struct {
	SubscriptionID *string
	Extended       bool
	ExpiresAt      time.Time
}

// ApplySubscriptionBonus grants bonusDays to the user. Active users (trial or paid) are
// extended in place; anyone else receives a new bonus subscription.
func (s Service) ApplySubscriptionBonus(ctx context.Context, userAddress string, bonusDays int, bonusEventID string, source domain.BonusSource, referenceID string) bool {
	user, err := normalizeUser(userAddress)
	if err != nil {
		s.logger.Warn("bonus requested for invalid address", "user_address", userAddress, "error", err)
		return false
	}

	outcome, err := s.applyBonus(ctx, user, bonusDays, bonusEventID, source, referenceID)
	if err != nil {
		s.logger.Error("failed to apply subscription bonus", "user_address", user, "bonus_days", bonusDays, "bonus_event_id", bonusEventID, "error", err)
		return false
	}
	s.logger.Info("subscription bonus applied", "user_address", user, "bonus_days", bonusDays, "extended", outcome.Extended, "expires_at", outcome.ExpiresAt)
	return true
}

func (s Service) applyBonus(ctx context.Context, userAddress string, bonusDays int, bonusEventID string, source domain.BonusSource, referenceID string) (*bonusOutcome, error) {
	if bonusDays <= 0 || !source.Valid() {
		return nil, ErrInvalidBonus
	}

	unlock, err := s.locker.Lock(ctx, userAddress)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	if _, err := s.repo.EnsureProfile(ctx, userAddress); err != nil {
		return nil, err
	}

	extension := time.Duration(bonusDays) * day
	var created *domain.Subscription
	for attempt := 0; attempt < maxProjectionAttempts; attempt++ {
		resolved, err := s.resolveStatus(ctx, userAddress)
		if err != nil {
			return nil, err
		}

		if created == nil && resolved.status.IsActive {
			update, newExpiry, err := extendProjection(resolved.status, extension)
			if err != nil {
				return nil, err
			}
			_, err = s.repo.UpdateProfile(ctx, userAddress, resolved.profile.Version, update)
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}

			outcome := &bonusOutcome{Extended: true, ExpiresAt: newExpiry}
			if resolved.activeSub != nil {
				id := resolved.activeSub.ID
				outcome.SubscriptionID = &id
			}
			s.publishBonusApplied(ctx, userAddress, bonusEventID, outcome, bonusDays)
			return outcome, nil
		}

		if created == nil {
			now := s.now()
			created, err = s.repo.CreateSubscription(ctx, &domain.Subscription{
				UserAddress:      userAddress,
				Type:             domain.SubscriptionTypeBonus,
				Status:           domain.SubscriptionActive,
				DurationDays:     bonusDays,
				StartsAt:         now,
				ExpiresAt:        now.Add(extension),
				PaymentVerified:  true,
				BonusSource:      &source,
				BonusReferenceID: optionalString(referenceID),
			})
			if err != nil {
				return nil, err
			}
		}

		expiry := created.ExpiresAt
		if current := resolved.status.SubscriptionExpiresAt; resolved.status.Status == domain.ProfileActive && current != nil && current.After(expiry) {
			expiry = *current
		}
		_, err = s.repo.UpdateProfile(ctx, userAddress, resolved.profile.Version, *activeProjection(expiry))
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		id := created.ID
		outcome := &bonusOutcome{SubscriptionID: &id, ExpiresAt: expiry}
		s.publishBonusApplied(ctx, userAddress, bonusEventID, outcome, bonusDays)
		return outcome, nil
	}
	return nil, ErrConcurrentUpdate
}

func extendProjection(status domain.SubscriptionStatus, extension time.Duration) (domain.ProfileUpdate, time.Time, error) {
	switch status.Status {
	case domain.ProfileTrial:
		newExpiry := status.TrialExpiresAt.Add(extension)
		return domain.ProfileUpdate{TrialExpiresAt: &newExpiry}, newExpiry, nil
	case domain.ProfileActive:
		newExpiry := status.SubscriptionExpiresAt.Add(extension)
		return domain.ProfileUpdate{SubscriptionExpiresAt: &newExpiry}, newExpiry, nil
	case domain.ProfileExpired, domain.ProfileCancelled:
		return domain.ProfileUpdate{}, time.Time{}, fmt.Errorf("cannot extend a %s subscription", status.Status)
	default:
		return domain.ProfileUpdate{}, time.Time{}, fmt.Errorf("unhandled profile status %q", status.Status)
	}
}

func (s Service) publishBonusApplied(ctx context.Context, userAddress, bonusEventID string, outcome *bonusOutcome, bonusDays int) {
	event := domain.SubscriptionEvent{
		UserAddress:  userAddress,
		BonusEventID: bonusEventID,
		Status:       domain.ProfileActive,
		ExpiresAt:    &outcome.ExpiresAt,
		BonusDays:    bonusDays,
		Reason:       "created",
	}
	if outcome.Extended {
		event.Reason = "extended"
	}
	if outcome.SubscriptionID != nil {
		event.SubscriptionID = *outcome.SubscriptionID
	}
	s.publishEvent(ctx, domain.EventBonusApplied, event)
}

// BonusEventRequest is an external event granting bonus days.
type BonusEventRequest struct {
	UserAddress                string
	SourcePurchaseID           string
	SourceTransactionReference string
	CampaignID                 *string
	BonusDays                  int
}

// BonusEventOutcome tells the caller whether redelivering the same event is safe or useful.
type BonusEventOutcome int

const (
	BonusEventApplied BonusEventOutcome = iota
	BonusEventDuplicate
	// BonusEventNotRecorded means no row was written; redelivery is safe.
	BonusEventNotRecorded
	// BonusEventUnapplied means the row exists with bonus_applied=false and needs reprocessing.
	BonusEventUnapplied
)

// ProcessExternalBonusEvent records and applies an external bonus event at most once per
// source purchase id.
func (s Service) ProcessExternalBonusEvent(ctx context.Context, userAddress, sourcePurchaseID, sourceTransactionReference string, campaignID *string, bonusDays int) bool {
	outcome, err := s.HandleBonusEvent(ctx, BonusEventRequest{
		UserAddress:                userAddress,
		SourcePurchaseID:           sourcePurchaseID,
		SourceTransactionReference: sourceTransactionReference,
		CampaignID:                 campaignID,
		BonusDays:                  bonusDays,
	})
	if err != nil {
		s.logger.Error("external bonus event not applied", "source_purchase_id", sourcePurchaseID, "user_address", userAddress, "error", err)
	}
	return outcome == BonusEventApplied
}

// HandleBonusEvent is ProcessExternalBonusEvent with the outcome spelled out for consumers.
func (s Service) HandleBonusEvent(ctx context.Context, req BonusEventRequest) (BonusEventOutcome, error) {
	user, err := normalizeUser(req.UserAddress)
	if err != nil {
		return BonusEventNotRecorded, err
	}
	purchaseID := strings.TrimSpace(req.SourcePurchaseID)
	if purchaseID == "" {
		return BonusEventNotRecorded, errors.New("source purchase id is required")
	}
	bonusDays := req.BonusDays
	if bonusDays <= 0 {
		bonusDays = s.settings.DefaultBonusDays
	}

	existing, err := s.repo.GetBonusEventBySourcePurchaseID(ctx, purchaseID)
	if err == nil {
		s.logger.Info("duplicate bonus event ignored", "source_purchase_id", purchaseID, "bonus_event_id", existing.ID, "bonus_applied", existing.BonusApplied)
		return BonusEventDuplicate, nil
	}
	if !errors.Is(err, store.ErrBonusEventNotFound) {
		return BonusEventNotRecorded, fmt.Errorf("bonus event lookup: %w", err)
	}

	event, err := s.repo.CreateBonusEvent(ctx, &domain.BonusEvent{
		UserAddress:                user,
		SourcePurchaseID:           purchaseID,
		SourceTransactionReference: strings.TrimSpace(req.SourceTransactionReference),
		RelatedCampaignID:          req.CampaignID,
		BonusDays:                  bonusDays,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateBonusEvent) {
			return BonusEventDuplicate, nil
		}
		return BonusEventNotRecorded, fmt.Errorf("record bonus event: %w", err)
	}

	if err := s.applyRecordedBonusEvent(ctx, event); err != nil {
		s.publishEvent(ctx, domain.EventBonusUnapplied, domain.SubscriptionEvent{
			UserAddress:  user,
			BonusEventID: event.ID,
			BonusDays:    event.BonusDays,
			Reason:       err.Error(),
		})
		return BonusEventUnapplied, err
	}
	return BonusEventApplied, nil
}

func (s Service) applyRecordedBonusEvent(ctx context.Context, event *domain.BonusEvent) error {
	outcome, err := s.applyBonus(ctx, event.UserAddress, event.BonusDays, event.ID, domain.BonusSourceExternalTicket, event.SourcePurchaseID)
	if err != nil {
		return err
	}

	marked, err := s.repo.MarkBonusEventApplied(ctx, event.ID, outcome.SubscriptionID, s.now())
	if err != nil {
		return fmt.Errorf("bonus applied but event not marked: %w", err)
	}
	if !marked {
		s.logger.Warn("bonus event was already marked applied", "bonus_event_id", event.ID)
	}
	return nil
}

// ReprocessBonusEvent re-runs bonus application for an event left unapplied.
func (s Service) ReprocessBonusEvent(ctx context.Context, bonusEventID string) (*domain.BonusEvent, error) {
	event, err := s.repo.GetBonusEventByID(ctx, bonusEventID)
	if err != nil {
		return nil, err
	}
	if event.BonusApplied {
		return event, ErrBonusEventAlreadyApplied
	}

	if err := s.applyRecordedBonusEvent(ctx, event); err != nil {
		return nil, err
	}
	s.logger.Info("bonus event reprocessed", "bonus_event_id", event.ID, "user_address", event.UserAddress)
	return s.repo.GetBonusEventByID(ctx, bonusEventID)
}

// ListUnappliedBonusEvents returns events still unapplied after olderThan.
func (s Service) ListUnappliedBonusEvents(ctx context.Context, olderThan time.Duration, limit int) ([]domain.BonusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListUnappliedBonusEvents(ctx, s.now().Add(-olderThan), limit)
}

// ReportUnappliedBonusEvents raises an alert for every bonus event stuck unapplied.
func (s Service) ReportUnappliedBonusEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	events, err := s.ListUnappliedBonusEvents(ctx, olderThan, 500)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		s.logger.Error("bonus event still unapplied; reprocess required",
			"bonus_event_id", event.ID,
			"user_address", event.UserAddress,
			"source_purchase_id", event.SourcePurchaseID,
			"created_at", event.CreatedAt,
		)
		s.publishEvent(ctx, domain.EventBonusUnapplied, domain.SubscriptionEvent{
			UserAddress:  event.UserAddress,
			BonusEventID: event.ID,
			BonusDays:    event.BonusDays,
			Reason:       "unapplied_alert",
		})
	}
	return len(events), nil
}

// ExpireStalePendingPayments re-checks payments pending longer than ttl against the chain.
// Confirmed transfers are activated; the rest are failed and their subscriptions cancelled.
// Payments whose chain lookup errors stay pending for the next run. It returns the number failed.
func (s Service) ExpireStalePendingPayments(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := s.repo.ListStalePendingPayments(ctx, s.now().Add(-ttl), stalePaymentBatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for i := range stale {
		payment := &stale[i]
		verified, err := s.verifier.VerifyTransaction(ctx, payment.TransactionReference)
		if err != nil {
			s.logger.Warn("stale payment chain check failed; leaving pending", "tx_ref", payment.TransactionReference, "error", err)
			continue
		}
		if verified {
			if _, err := s.activateVerifiedPayment(ctx, payment); err != nil {
				s.logger.Error("failed to activate stale payment", "tx_ref", payment.TransactionReference, "error", err)
			}
			continue
		}

		if _, err := s.repo.FailPendingPayment(ctx, payment.ID, s.now()); err != nil {
			if !errors.Is(err, store.ErrPaymentNotPending) {
				s.logger.Error("failed to expire pending payment", "tx_ref", payment.TransactionReference, "error", err)
			}
			continue
		}
		failed++
		s.logger.Info("pending payment expired", "tx_ref", payment.TransactionReference, "subscription_id", payment.SubscriptionID)
		s.publishEvent(ctx, domain.EventSubscriptionCancelled, domain.SubscriptionEvent{
			UserAddress:    payment.UserAddress,
			SubscriptionID: payment.SubscriptionID,
			Reason:         "payment_expired",
		})
	}
	return failed, nil
}

// StartTrial grants the one-time trial. Users who already had a trial, or who are paid
// subscribers, get their current status back unchanged.
func (s Service) StartTrial(ctx context.Context, userAddress string) (domain.SubscriptionStatus, error) {
	user, err := normalizeUser(userAddress)
	if err != nil {
		return domain.ExpiredStatus(), err
	}

	unlock, err := s.locker.Lock(ctx, user)
	if err != nil {
		return domain.ExpiredStatus(), fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	for attempt := 0; attempt < maxProjectionAttempts; attempt++ {
		if _, err := s.repo.EnsureProfile(ctx, user); err != nil {
			return domain.ExpiredStatus(), err
		}
		resolved, err := s.resolveStatus(ctx, user)
		if err != nil {
			return domain.ExpiredStatus(), err
		}
		if resolved.profile.TrialStartedAt != nil || resolved.status.IsActive {
			return resolved.status, nil
		}

		now := s.now()
		trialEnds := now.Add(time.Duration(s.settings.TrialDays) * day)
		status := domain.ProfileTrial
		updated, err := s.repo.UpdateProfile(ctx, user, resolved.profile.Version, domain.ProfileUpdate{
			Status:         &status,
			TrialStartedAt: &now,
			TrialExpiresAt: &trialEnds,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return domain.ExpiredStatus(), err
		}

		s.logger.Info("trial started", "user_address", user, "trial_expires_at", trialEnds)
		return buildStatus(updated, nil, now), nil
	}
	return domain.ExpiredStatus(), ErrConcurrentUpdate
}

// SetAutoRenew updates the auto-renew preference on the projection.
func (s Service) SetAutoRenew(ctx context.Context, userAddress string, autoRenew bool) error {
	user, err := normalizeUser(userAddress)
	if err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, user)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	for attempt := 0; attempt < maxProjectionAttempts; attempt++ {
		profile, err := s.repo.GetProfile(ctx, user)
		if err != nil {
			return err
		}
		_, err = s.repo.UpdateProfile(ctx, user, profile.Version, domain.ProfileUpdate{AutoRenew: &autoRenew})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return ErrConcurrentUpdate
}

// CancelSubscription cancels the user's active subscription and turns off auto-renew.
func (s Service) CancelSubscription(ctx context.Context, userAddress string) error {
	user, err := normalizeUser(userAddress)
	if err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, user)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	if _, err := s.repo.GetProfile(ctx, user); err != nil {
		return err
	}
	if _, err := s.repo.CancelActiveSubscriptions(ctx, user); err != nil {
		return fmt.Errorf("cancel subscription rows: %w", err)
	}

	cancelled := domain.ProfileCancelled
	autoRenew := false
	for attempt := 0; attempt < maxProjectionAttempts; attempt++ {
		profile, err := s.repo.GetProfile(ctx, user)
		if err != nil {
			return err
		}
		_, err = s.repo.UpdateProfile(ctx, user, profile.Version, domain.ProfileUpdate{Status: &cancelled, AutoRenew: &autoRenew})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.logger.Info("subscription cancelled", "user_address", user)
		s.publishEvent(ctx, domain.EventSubscriptionCancelled, domain.SubscriptionEvent{
			UserAddress: user,
			Status:      domain.ProfileCancelled,
			Reason:      "cancelled",
		})
		return nil
	}
	return ErrConcurrentUpdate
}

func (s Service) publishEvent(ctx context.Context, routingKey string, event domain.SubscriptionEvent) {
	if s.publisher == nil {
		return
	}
	event.Timestamp = s.now()
	if err := s.publisher.Publish(ctx, s.settings.EventsExchange, routingKey, event); err != nil {
		s.logger.Warn("failed to publish subscription event", "routing_key", routingKey, "user_address", event.UserAddress, "error", err)
	}
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
