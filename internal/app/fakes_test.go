package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/affiliate-subscription-service/internal/domain"
	"github.com/transfa/affiliate-subscription-service/internal/store"
)

var (
	testUser = "0x" + strings.Repeat("0", 62) + "a1"
	testNow  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

// memoryRepo is an in-memory Repository with the same conditional-update semantics as the
// Postgres store.
type memoryRepo struct {
	mu            sync.Mutex
	profiles      map[string]*domain.Profile
	subscriptions []*domain.Subscription
	payments      []*domain.Payment
	bonusEvents   []*domain.BonusEvent
	nextID        int

	profileErr   error
	activeSubErr error
	createSubErr error
	// conflicts makes the next N UpdateProfile calls lose to a simulated concurrent writer.
	conflicts   int
	updateCalls int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{profiles: make(map[string]*domain.Profile)}
}

func (r *memoryRepo) id(prefix string) string {
	r.nextID++
	return fmt.Sprintf("%s-%d", prefix, r.nextID)
}

func (r *memoryRepo) putProfile(profile domain.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.UserAddress] = &profile
}

func (r *memoryRepo) putSubscription(sub domain.Subscription) *domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = r.id("sub")
	}
	r.subscriptions = append(r.subscriptions, &sub)
	return &sub
}

func (r *memoryRepo) profile(userAddress string) domain.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.profiles[userAddress]
}

func (r *memoryRepo) subscriptionsOf(userAddress string) []domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range r.subscriptions {
		if sub.UserAddress == userAddress {
			out = append(out, *sub)
		}
	}
	return out
}

func (r *memoryRepo) GetProfile(ctx context.Context, userAddress string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.profileErr != nil {
		return nil, r.profileErr
	}
	profile, ok := r.profiles[userAddress]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	copied := *profile
	return &copied, nil
}

func (r *memoryRepo) EnsureProfile(ctx context.Context, userAddress string) (*domain.Profile, error) {
	r.mu.Lock()
	if _, ok := r.profiles[userAddress]; !ok {
		r.profiles[userAddress] = &domain.Profile{UserAddress: userAddress, Status: domain.ProfileExpired}
	}
	r.mu.Unlock()
	return r.GetProfile(ctx, userAddress)
}

func (r *memoryRepo) UpdateProfile(ctx context.Context, userAddress string, expectedVersion int64, update domain.ProfileUpdate) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++

	profile, ok := r.profiles[userAddress]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	if r.conflicts > 0 {
		r.conflicts--
		profile.Version++
		return nil, store.ErrVersionConflict
	}
	if profile.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}

	if update.Status != nil {
		profile.Status = *update.Status
	}
	if update.TrialStartedAt != nil {
		profile.TrialStartedAt = update.TrialStartedAt
	}
	if update.TrialExpiresAt != nil {
		profile.TrialExpiresAt = update.TrialExpiresAt
	}
	if update.SubscriptionExpiresAt != nil {
		profile.SubscriptionExpiresAt = update.SubscriptionExpiresAt
	}
	if update.AutoRenew != nil {
		profile.AutoRenew = *update.AutoRenew
	}
	profile.Version++

	copied := *profile
	return &copied, nil
}

func (r *memoryRepo) TransactionReferenceExists(ctx context.Context, transactionReference string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.TransactionReference == transactionReference {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) CreatePendingSubscription(ctx context.Context, sub *domain.Subscription, payment *domain.Payment) (*domain.Subscription, *domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.TransactionReference == payment.TransactionReference {
			return nil, nil, store.ErrDuplicateTransaction
		}
	}

	createdSub := *sub
	createdSub.ID = r.id("sub")
	createdSub.CreatedAt = sub.StartsAt
	r.subscriptions = append(r.subscriptions, &createdSub)

	createdPayment := *payment
	createdPayment.ID = r.id("pay")
	createdPayment.SubscriptionID = createdSub.ID
	createdPayment.CreatedAt = sub.StartsAt
	r.payments = append(r.payments, &createdPayment)

	subCopy, paymentCopy := createdSub, createdPayment
	return &subCopy, &paymentCopy, nil
}

func (r *memoryRepo) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createSubErr != nil {
		return nil, r.createSubErr
	}
	created := *sub
	created.ID = r.id("sub")
	created.CreatedAt = sub.StartsAt
	r.subscriptions = append(r.subscriptions, &created)
	copied := created
	return &copied, nil
}

func (r *memoryRepo) GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscriptions {
		if sub.ID == id {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (r *memoryRepo) GetLatestActiveSubscription(ctx context.Context, userAddress string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeSubErr != nil {
		return nil, r.activeSubErr
	}
	var latest *domain.Subscription
	for _, sub := range r.subscriptions {
		if sub.UserAddress != userAddress || sub.Status != domain.SubscriptionActive {
			continue
		}
		if latest == nil || sub.ExpiresAt.After(latest.ExpiresAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *memoryRepo) ListSubscriptionsByUser(ctx context.Context, userAddress string) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.Subscription{}
	for i := len(r.subscriptions) - 1; i >= 0; i-- {
		if r.subscriptions[i].UserAddress == userAddress {
			out = append(out, *r.subscriptions[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) ExpireLapsedSubscriptions(ctx context.Context, userAddress string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, sub := range r.subscriptions {
		if sub.UserAddress == userAddress && sub.Status == domain.SubscriptionActive && !sub.ExpiresAt.After(now) {
			sub.Status = domain.SubscriptionExpired
			count++
		}
	}
	return count, nil
}

func (r *memoryRepo) CancelActiveSubscriptions(ctx context.Context, userAddress string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, sub := range r.subscriptions {
		if sub.UserAddress == userAddress && sub.Status == domain.SubscriptionActive {
			sub.Status = domain.SubscriptionCancelled
			count++
		}
	}
	return count, nil
}

func (r *memoryRepo) GetPaymentByTransactionReference(ctx context.Context, transactionReference string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.TransactionReference == transactionReference {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (r *memoryRepo) ConfirmPaymentAndActivate(ctx context.Context, paymentID string, verifiedAt time.Time) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var payment *domain.Payment
	for _, p := range r.payments {
		if p.ID == paymentID {
			payment = p
		}
	}
	if payment == nil || payment.Status != domain.PaymentPending {
		return nil, store.ErrPaymentNotPending
	}

	var sub *domain.Subscription
	for _, s := range r.subscriptions {
		if s.ID == payment.SubscriptionID {
			sub = s
		}
	}
	if sub == nil || sub.Status != domain.SubscriptionPending {
		return nil, store.ErrSubscriptionNotPending
	}

	payment.Status = domain.PaymentConfirmed
	payment.VerificationAttempts++
	at := verifiedAt
	payment.LastVerificationAt = &at

	sub.Status = domain.SubscriptionActive
	sub.PaymentVerified = true
	for _, other := range r.subscriptions {
		if other.UserAddress == sub.UserAddress && other.Status == domain.SubscriptionActive && other.ID != sub.ID {
			other.Status = domain.SubscriptionExpired
		}
	}

	copied := *sub
	return &copied, nil
}

func (r *memoryRepo) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stale := []domain.Payment{}
	for _, payment := range r.payments {
		if len(stale) == limit {
			break
		}
		if payment.Status == domain.PaymentPending && payment.CreatedAt.Before(olderThan) {
			stale = append(stale, *payment)
		}
	}
	return stale, nil
}

func (r *memoryRepo) FailPendingPayment(ctx context.Context, paymentID string, checkedAt time.Time) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.ID != paymentID {
			continue
		}
		if payment.Status != domain.PaymentPending {
			return nil, store.ErrPaymentNotPending
		}
		payment.Status = domain.PaymentFailed
		payment.VerificationAttempts++
		at := checkedAt
		payment.LastVerificationAt = &at
		for _, sub := range r.subscriptions {
			if sub.ID == payment.SubscriptionID && sub.Status == domain.SubscriptionPending {
				sub.Status = domain.SubscriptionCancelled
			}
		}
		copied := *payment
		return &copied, nil
	}
	return nil, store.ErrPaymentNotPending
}

func (r *memoryRepo) GetBonusEventBySourcePurchaseID(ctx context.Context, sourcePurchaseID string) (*domain.BonusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.bonusEvents {
		if event.SourcePurchaseID == sourcePurchaseID {
			copied := *event
			return &copied, nil
		}
	}
	return nil, store.ErrBonusEventNotFound
}

func (r *memoryRepo) GetBonusEventByID(ctx context.Context, id string) (*domain.BonusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.bonusEvents {
		if event.ID == id {
			copied := *event
			return &copied, nil
		}
	}
	return nil, store.ErrBonusEventNotFound
}

func (r *memoryRepo) CreateBonusEvent(ctx context.Context, event *domain.BonusEvent) (*domain.BonusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.bonusEvents {
		if existing.SourcePurchaseID == event.SourcePurchaseID {
			return nil, store.ErrDuplicateBonusEvent
		}
	}
	created := *event
	created.ID = r.id("bonus")
	created.CreatedAt = testNow
	r.bonusEvents = append(r.bonusEvents, &created)
	copied := created
	return &copied, nil
}

func (r *memoryRepo) MarkBonusEventApplied(ctx context.Context, id string, linkedSubscriptionID *string, appliedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.bonusEvents {
		if event.ID == id && !event.BonusApplied {
			event.BonusApplied = true
			at := appliedAt
			event.BonusAppliedAt = &at
			event.LinkedSubscriptionID = linkedSubscriptionID
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ListUnappliedBonusEvents(ctx context.Context, olderThan time.Time, limit int) ([]domain.BonusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.BonusEvent{}
	for _, event := range r.bonusEvents {
		if !event.BonusApplied && event.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *event)
		}
	}
	return out, nil
}

type verifierStub struct {
	mu       sync.Mutex
	verified bool
	err      error
	calls    int

	// byRef overrides verified and err for specific transaction references.
	byRef map[string]verifyResult
}

type verifyResult struct {
	verified bool
	err      error
}

func (v *verifierStub) VerifyTransaction(ctx context.Context, transactionReference string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if result, ok := v.byRef[transactionReference]; ok {
		return result.verified, result.err
	}
	return v.verified, v.err
}

// countingLocker wraps a UserLocker and counts acquisitions.
type countingLocker struct {
	inner UserLocker
	mu    sync.Mutex
	locks int
}

func (l *countingLocker) Lock(ctx context.Context, userAddress string) (func(), error) {
	l.mu.Lock()
	l.locks++
	l.mu.Unlock()
	return l.inner.Lock(ctx, userAddress)
}

func (l *countingLocker) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks
}

type publishedEvent struct {
	exchange   string
	routingKey string
	event      domain.SubscriptionEvent
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	event, _ := body.(domain.SubscriptionEvent)
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, event: event})
	return nil
}

func (p *publisherStub) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

type quoterStub struct{}

func (quoterStub) GetPriceQuote(ctx context.Context) domain.PriceQuote {
	return testQuote()
}

func testQuote() domain.PriceQuote {
	return domain.PriceQuote{
		USDPrice:         decimal.RequireFromString("5"),
		SettlementAmount: decimal.RequireFromString("2.5"),
		FXRate:           decimal.RequireFromString("2"),
		ValidUntil:       testNow.Add(quoteValidity),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo *memoryRepo, verifier ChainVerifier) (Service, *publisherStub) {
	publisher := &publisherStub{}
	settings := Settings{SubscriptionPriceUSD: decimal.RequireFromString("5")}
	svc := NewService(repo, quoterStub{}, verifier, NewLocalUserLocker(), publisher, discardLogger(), settings)
	svc.now = func() time.Time { return testNow }
	return svc, publisher
}

func timePtr(t time.Time) *time.Time {
	return &t
}
