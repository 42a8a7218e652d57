package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"PBXNotifier/internal/ports"
	"PBXNotifier/internal/session"
)

// SchedulerSession is the requester name used by unattended checks.
const SchedulerSession = "scheduler"

// Scheduler wires the interval driver with the incremental check.
type Scheduler struct {
	driver  ports.Scheduler
	service *Service
	logger  *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring checks.
func NewScheduler(driver ports.Scheduler, service *Service, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, service: service, logger: logger.With("component", "scheduler")}
}

// Start registers the incremental check with the provided driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.service == nil {
		return nil
	}

	job := func(trigger time.Time) {
		report, err := s.service.CheckNow(ctx, SchedulerSession)
		switch {
		case errors.Is(err, session.ErrBusy):
			s.logger.Info("skipping tick, check already running", "trigger", trigger)
		case err != nil:
			s.logger.Error("scheduled check failed", "err", err)
		default:
			s.logger.Debug("scheduled check done", "processed", report.Processed, "run_id", report.RunID)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying driver.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
