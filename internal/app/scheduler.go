/**
 * @description
 * Cron scheduler setup for the maintenance jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions for each job.
type Schedules struct {
	PendingPaymentExpiry string
	UnappliedBonusReport string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It reports how many jobs were
// scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0

	if _, err := s.cron.AddFunc(s.schedules.PendingPaymentExpiry, s.jobs.ExpirePendingPayments); err != nil {
		s.logger.Error("failed to schedule pending payment expiry job", "error", err)
	} else {
		scheduled++
		s.logger.Info("scheduled pending payment expiry job", "schedule", s.schedules.PendingPaymentExpiry)
	}

	if _, err := s.cron.AddFunc(s.schedules.UnappliedBonusReport, s.jobs.ReportUnappliedBonusEvents); err != nil {
		s.logger.Error("failed to schedule unapplied bonus report job", "error", err)
	} else {
		scheduled++
		s.logger.Info("scheduled unapplied bonus report job", "schedule", s.schedules.UnappliedBonusReport)
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
