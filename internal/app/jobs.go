/**
 * @description
 * Scheduled job implementations for the affiliate subscription service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceService is the part of Service the jobs drive.
type MaintenanceService interface {
	ExpireStalePendingPayments(ctx context.Context, ttl time.Duration) (int, error)
	ReportUnappliedBonusEvents(ctx context.Context, olderThan time.Duration) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service           MaintenanceService
	logger            *slog.Logger
	pendingPaymentTTL time.Duration
	unappliedBonusAge time.Duration
	jobTimeout        time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(service MaintenanceService, logger *slog.Logger, pendingPaymentTTL, unappliedBonusAge time.Duration) *Jobs {
	return &Jobs{
		service:           service,
		logger:            logger,
		pendingPaymentTTL: pendingPaymentTTL,
		unappliedBonusAge: unappliedBonusAge,
		jobTimeout:        2 * time.Minute,
	}
}

// ExpirePendingPayments fails payments that never confirmed.
func (j *Jobs) ExpirePendingPayments() {
	j.logger.Info("starting pending payment expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), j.jobTimeout)
	defer cancel()

	count, err := j.service.ExpireStalePendingPayments(ctx, j.pendingPaymentTTL)
	if err != nil {
		j.logger.Error("failed to expire pending payments", "error", err)
		return
	}

	j.logger.Info("pending payment expiry job finished", "expired", count)
}

// ReportUnappliedBonusEvents alerts on bonus events that were recorded but never applied.
func (j *Jobs) ReportUnappliedBonusEvents() {
	j.logger.Info("starting unapplied bonus event check")
	ctx, cancel := context.WithTimeout(context.Background(), j.jobTimeout)
	defer cancel()

	count, err := j.service.ReportUnappliedBonusEvents(ctx, j.unappliedBonusAge)
	if err != nil {
		j.logger.Error("failed to check unapplied bonus events", "error", err)
		return
	}
	if count == 0 {
		j.logger.Info("no unapplied bonus events")
		return
	}

	j.logger.Warn("unapplied bonus events need reprocessing", "count", count)
}
