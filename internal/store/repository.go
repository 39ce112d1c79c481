/**
 * @description
 * This file implements the data access layer for the affiliate subscription service.
 * It contains the SQL for the subscriptions, payments and bonus event ledgers, and the
 * compare-and-swap update of the subscription projection kept on the users table.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/affiliate-subscription-service/internal/domain"
)

var (
	ErrProfileNotFound        = errors.New("profile not found")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrPaymentNotPending      = errors.New("payment is not pending")
	ErrSubscriptionNotPending = errors.New("subscription is not pending")
	ErrBonusEventNotFound     = errors.New("bonus event not found")
	ErrDuplicateBonusEvent    = errors.New("bonus event already recorded")
	ErrDuplicateTransaction   = errors.New("transaction reference already recorded")
	ErrVersionConflict        = errors.New("profile was modified concurrently")
)

const uniqueViolation = "23505"

const subscriptionColumns = `
	id, user_address, subscription_type, status, price_usdc, price_in_settlement_currency,
	settlement_fx_rate, duration_days, starts_at, expires_at, transaction_reference,
	payment_verified, bonus_source, bonus_reference_id, created_at, updated_at`

const paymentColumns = `
	id, user_address, subscription_id, amount_in_settlement_currency, amount_usdc_equivalent,
	settlement_fx_rate, transaction_reference, status, verification_attempts,
	last_verification_at, created_at`

const bonusEventColumns = `
	id, user_address, source_purchase_id, source_transaction_reference, related_campaign_id,
	bonus_days, bonus_applied, bonus_applied_at, linked_subscription_id, created_at`

const profileColumns = `
	wallet_address, affiliate_subscription_status, affiliate_trial_started_at,
	affiliate_trial_expires_at, affiliate_subscription_expires_at, affiliate_auto_renew,
	affiliate_subscription_version`

// Repository handles database operations for affiliate subscriptions.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub         domain.Subscription
		subType     string
		status      string
		bonusSource *string
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserAddress,
		&subType,
		&status,
		&sub.PriceUSDC,
		&sub.PriceInSettlement,
		&sub.SettlementFXRate,
		&sub.DurationDays,
		&sub.StartsAt,
		&sub.ExpiresAt,
		&sub.TransactionReference,
		&sub.PaymentVerified,
		&bonusSource,
		&sub.BonusReferenceID,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Type = domain.SubscriptionType(subType)
	sub.Status = domain.SubscriptionState(status)
	if !sub.Type.Valid() || !sub.Status.Valid() {
		return nil, fmt.Errorf("subscription %s has unknown type/status %q/%q", sub.ID, subType, status)
	}
	if bonusSource != nil {
		source := domain.BonusSource(*bonusSource)
		sub.BonusSource = &source
	}
	return &sub, nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		payment domain.Payment
		status  string
	)
	err := row.Scan(
		&payment.ID,
		&payment.UserAddress,
		&payment.SubscriptionID,
		&payment.AmountInSettlement,
		&payment.AmountUSDCEquivalent,
		&payment.SettlementFXRate,
		&payment.TransactionReference,
		&status,
		&payment.VerificationAttempts,
		&payment.LastVerificationAt,
		&payment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	payment.Status = domain.PaymentStatus(status)
	if !payment.Status.Valid() {
		return nil, fmt.Errorf("payment %s has unknown status %q", payment.ID, status)
	}
	return &payment, nil
}

func scanBonusEvent(row rowScanner) (*domain.BonusEvent, error) {
	var event domain.BonusEvent
	err := row.Scan(
		&event.ID,
		&event.UserAddress,
		&event.SourcePurchaseID,
		&event.SourceTransactionReference,
		&event.RelatedCampaignID,
		&event.BonusDays,
		&event.BonusApplied,
		&event.BonusAppliedAt,
		&event.LinkedSubscriptionID,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func scanProfile(row rowScanner) (*domain.Profile, error) {
	var (
		profile domain.Profile
		status  string
	)
	err := row.Scan(
		&profile.UserAddress,
		&status,
		&profile.TrialStartedAt,
		&profile.TrialExpiresAt,
		&profile.SubscriptionExpiresAt,
		&profile.AutoRenew,
		&profile.Version,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := domain.ParseProfileStatus(status)
	if err != nil {
		return nil, err
	}
	profile.Status = parsed
	return &profile, nil
}

// GetProfile retrieves the subscription projection for a wallet address.
func (r *Repository) GetProfile(ctx context.Context, userAddress string) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM users WHERE wallet_address = $1`
	profile, err := scanProfile(r.db.QueryRow(ctx, query, userAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return profile, nil
}

// EnsureProfile creates a users row with an expired projection if the address is unknown,
// then returns the current projection.
func (r *Repository) EnsureProfile(ctx context.Context, userAddress string) (*domain.Profile, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (wallet_address, affiliate_subscription_status, affiliate_auto_renew, affiliate_subscription_version)
		VALUES ($1, 'expired', FALSE, 0)
		ON CONFLICT (wallet_address) DO NOTHING
	`, userAddress)
	if err != nil {
		return nil, err
	}
	return r.GetProfile(ctx, userAddress)
}

// UpdateProfile writes the non-nil fields of update only if the stored version still equals
// expectedVersion. The returned profile carries the bumped version.
func (r *Repository) UpdateProfile(ctx context.Context, userAddress string, expectedVersion int64, update domain.ProfileUpdate) (*domain.Profile, error) {
	var status *string
	if update.Status != nil {
		value := string(*update.Status)
		status = &value
	}

	query := `
		UPDATE users SET
			affiliate_subscription_status = COALESCE($3::text, affiliate_subscription_status),
			affiliate_trial_started_at = COALESCE($4::timestamptz, affiliate_trial_started_at),
			affiliate_trial_expires_at = COALESCE($5::timestamptz, affiliate_trial_expires_at),
			affiliate_subscription_expires_at = COALESCE($6::timestamptz, affiliate_subscription_expires_at),
			affiliate_auto_renew = COALESCE($7::boolean, affiliate_auto_renew),
			affiliate_subscription_version = affiliate_subscription_version + 1,
			updated_at = NOW()
		WHERE wallet_address = $1 AND affiliate_subscription_version = $2
		RETURNING ` + profileColumns
	profile, err := scanProfile(r.db.QueryRow(ctx, query,
		userAddress,
		expectedVersion,
		status,
		update.TrialStartedAt,
		update.TrialExpiresAt,
		update.SubscriptionExpiresAt,
		update.AutoRenew,
	))
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if _, lookupErr := r.GetProfile(ctx, userAddress); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, ErrVersionConflict
}

// TransactionReferenceExists reports whether a payment already uses the reference.
func (r *Repository) TransactionReferenceExists(ctx context.Context, transactionReference string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM affiliate_payments WHERE transaction_reference = $1)`,
		transactionReference,
	).Scan(&exists)
	return exists, err
}

// CreatePendingSubscription inserts a pending subscription and its pending payment atomically.
func (r *Repository) CreatePendingSubscription(ctx context.Context, sub *domain.Subscription, payment *domain.Payment) (*domain.Subscription, *domain.Payment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	created, err := insertSubscription(ctx, tx, sub)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateTransaction
		}
		return nil, nil, err
	}

	payment.SubscriptionID = created.ID
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	createdPayment, err := scanPayment(tx.QueryRow(ctx, `
		INSERT INTO affiliate_payments (
			id, user_address, subscription_id, amount_in_settlement_currency, amount_usdc_equivalent,
			settlement_fx_rate, transaction_reference, status, verification_attempts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
		RETURNING `+paymentColumns,
		payment.ID,
		payment.UserAddress,
		payment.SubscriptionID,
		payment.AmountInSettlement,
		payment.AmountUSDCEquivalent,
		payment.SettlementFXRate,
		payment.TransactionReference,
		string(domain.PaymentPending),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateTransaction
		}
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return created, createdPayment, nil
}

// CreateSubscription inserts a subscription row on its own (bonus path).
func (r *Repository) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	return insertSubscription(ctx, r.db, sub)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertSubscription(ctx context.Context, q queryRower, sub *domain.Subscription) (*domain.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	var bonusSource *string
	if sub.BonusSource != nil {
		value := string(*sub.BonusSource)
		bonusSource = &value
	}
	return scanSubscription(q.QueryRow(ctx, `
		INSERT INTO affiliate_subscriptions (
			id, user_address, subscription_type, status, price_usdc, price_in_settlement_currency,
			settlement_fx_rate, duration_days, starts_at, expires_at, transaction_reference,
			payment_verified, bonus_source, bonus_reference_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+subscriptionColumns,
		sub.ID,
		sub.UserAddress,
		string(sub.Type),
		string(sub.Status),
		sub.PriceUSDC,
		sub.PriceInSettlement,
		sub.SettlementFXRate,
		sub.DurationDays,
		sub.StartsAt,
		sub.ExpiresAt,
		sub.TransactionReference,
		sub.PaymentVerified,
		bonusSource,
		sub.BonusReferenceID,
	))
}

// GetSubscriptionByID retrieves a single subscription.
func (r *Repository) GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM affiliate_subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetLatestActiveSubscription returns the active row with the latest expiry for a user.
func (r *Repository) GetLatestActiveSubscription(ctx context.Context, userAddress string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM affiliate_subscriptions
		WHERE user_address = $1 AND status = 'active'
		ORDER BY expires_at DESC
		LIMIT 1
	`, userAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListSubscriptionsByUser returns every subscription for a user, newest first.
func (r *Repository) ListSubscriptionsByUser(ctx context.Context, userAddress string) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM affiliate_subscriptions
		WHERE user_address = $1
		ORDER BY created_at DESC
	`, userAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subscriptions := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, *sub)
	}
	return subscriptions, rows.Err()
}

// ExpireLapsedSubscriptions marks a user's active rows whose expiry has passed as expired.
func (r *Repository) ExpireLapsedSubscriptions(ctx context.Context, userAddress string, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE affiliate_subscriptions
		SET status = 'expired', updated_at = NOW()
		WHERE user_address = $1 AND status = 'active' AND expires_at <= $2
	`, userAddress, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CancelActiveSubscriptions marks every active row of a user as cancelled.
func (r *Repository) CancelActiveSubscriptions(ctx context.Context, userAddress string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE affiliate_subscriptions
		SET status = 'cancelled', updated_at = NOW()
		WHERE user_address = $1 AND status = 'active'
	`, userAddress)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetPaymentByTransactionReference looks up a payment by its external reference.
func (r *Repository) GetPaymentByTransactionReference(ctx context.Context, transactionReference string) (*domain.Payment, error) {
	payment, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM affiliate_payments WHERE transaction_reference = $1`,
		transactionReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// ConfirmPaymentAndActivate confirms a pending payment, activates its pending subscription and
// supersedes the user's other active rows, all in one transaction. It returns ErrPaymentNotPending
// when another caller already moved the payment out of pending.
func (r *Repository) ConfirmPaymentAndActivate(ctx context.Context, paymentID string, verifiedAt time.Time) (*domain.Subscription, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var subscriptionID string
	err = tx.QueryRow(ctx, `
		UPDATE affiliate_payments
		SET status = 'confirmed',
		    verification_attempts = verification_attempts + 1,
		    last_verification_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING subscription_id
	`, paymentID, verifiedAt).Scan(&subscriptionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotPending
		}
		return nil, err
	}

	sub, err := scanSubscription(tx.QueryRow(ctx, `
		UPDATE affiliate_subscriptions
		SET status = 'active', payment_verified = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+subscriptionColumns, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotPending
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE affiliate_subscriptions
		SET status = 'expired', updated_at = NOW()
		WHERE user_address = $1 AND status = 'active' AND id <> $2
	`, sub.UserAddress, sub.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

// ListStalePendingPayments returns payments still pending since before olderThan, oldest first.
func (r *Repository) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM affiliate_payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []domain.Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// FailPendingPayment marks a pending payment failed and cancels its pending subscription.
// It returns ErrPaymentNotPending when the payment was settled in the meantime.
func (r *Repository) FailPendingPayment(ctx context.Context, paymentID string, checkedAt time.Time) (*domain.Payment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	payment, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE affiliate_payments
		SET status = 'failed',
		    verification_attempts = verification_attempts + 1,
		    last_verification_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+paymentColumns, paymentID, checkedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotPending
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE affiliate_subscriptions
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, payment.SubscriptionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return payment, nil
}

// GetBonusEventBySourcePurchaseID is the deduplication pre-check for external bonus events.
func (r *Repository) GetBonusEventBySourcePurchaseID(ctx context.Context, sourcePurchaseID string) (*domain.BonusEvent, error) {
	event, err := scanBonusEvent(r.db.QueryRow(ctx,
		`SELECT `+bonusEventColumns+` FROM affiliate_bonus_events WHERE source_purchase_id = $1`,
		sourcePurchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBonusEventNotFound
		}
		return nil, err
	}
	return event, nil
}

// GetBonusEventByID retrieves a bonus event by id.
func (r *Repository) GetBonusEventByID(ctx context.Context, id string) (*domain.BonusEvent, error) {
	event, err := scanBonusEvent(r.db.QueryRow(ctx,
		`SELECT `+bonusEventColumns+` FROM affiliate_bonus_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBonusEventNotFound
		}
		return nil, err
	}
	return event, nil
}

// CreateBonusEvent records a new, not yet applied bonus event.
func (r *Repository) CreateBonusEvent(ctx context.Context, event *domain.BonusEvent) (*domain.BonusEvent, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	created, err := scanBonusEvent(r.db.QueryRow(ctx, `
		INSERT INTO affiliate_bonus_events (
			id, user_address, source_purchase_id, source_transaction_reference, related_campaign_id,
			bonus_days, bonus_applied
		)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING `+bonusEventColumns,
		event.ID,
		event.UserAddress,
		event.SourcePurchaseID,
		event.SourceTransactionReference,
		event.RelatedCampaignID,
		event.BonusDays,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateBonusEvent
		}
		return nil, err
	}
	return created, nil
}

// MarkBonusEventApplied flips bonus_applied from false to true. It reports false when the
// event was already applied.
func (r *Repository) MarkBonusEventApplied(ctx context.Context, id string, linkedSubscriptionID *string, appliedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE affiliate_bonus_events
		SET bonus_applied = TRUE, bonus_applied_at = $2, linked_subscription_id = $3
		WHERE id = $1 AND bonus_applied = FALSE
	`, id, appliedAt, linkedSubscriptionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnappliedBonusEvents returns bonus events still unapplied since before olderThan.
func (r *Repository) ListUnappliedBonusEvents(ctx context.Context, olderThan time.Time, limit int) ([]domain.BonusEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bonusEventColumns+`
		FROM affiliate_bonus_events
		WHERE bonus_applied = FALSE AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.BonusEvent{}
	for rows.Next() {
		event, err := scanBonusEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
