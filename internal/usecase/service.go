package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/session"
)

// CheckpointSession guards the single checkpoint stream across requesters.
const CheckpointSession = "checkpoint"

// Service is the trigger surface shared by bot commands, the scheduler and the CLI.
type Service struct {
	pipeline *Pipeline
	stats    *StatsCollector
	sessions *session.Registry
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// ServiceDeps wires the service.
type ServiceDeps struct {
	Pipeline *Pipeline
	Stats    *StatsCollector
	Sessions *session.Registry
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

func NewService(deps ServiceDeps) *Service {
	s := &Service{
		pipeline: deps.Pipeline,
		stats:    deps.Stats,
		sessions: deps.Sessions,
		loc:      deps.Location,
		now:      deps.Now,
		logger:   deps.Logger,
	}
	if s.sessions == nil {
		s.sessions = session.NewRegistry()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "service")
	return s
}

// CheckNow runs an incremental pass for requester. It fails with
// session.ErrBusy when requester, or any other incremental run, is in flight.
func (s *Service) CheckNow(ctx context.Context, requester string) (domain.RunReport, error) {
	h, err := s.sessions.TryAcquire(ctx, requester)
	if err != nil {
		return domain.RunReport{}, fmt.Errorf("check for %s: %w", requester, err)
	}
	defer h.Release()

	stream, err := s.sessions.TryAcquire(h.Context(), CheckpointSession)
	if err != nil {
		return domain.RunReport{}, fmt.Errorf("checkpoint stream: %w", err)
	}
	defer stream.Release()

	s.logger.Info("incremental check requested", "requester", requester)
	return s.pipeline.RunIncremental(stream.Context())
}

// Period replays a fixed window for requester without touching the checkpoint.
func (s *Service) Period(ctx context.Context, requester string, period Period) (domain.RunReport, error) {
	h, err := s.sessions.TryAcquire(ctx, requester)
	if err != nil {
		return domain.RunReport{}, fmt.Errorf("%s for %s: %w", period, requester, err)
	}
	defer h.Release()

	window := period.Window(s.now(), s.loc)
	s.logger.Info("period replay requested", "requester", requester, "period", period, "window", window)
	return s.pipeline.RunWindow(h.Context(), window)
}

// Cancel stops requester's in-flight run, reporting whether one existed.
func (s *Service) Cancel(requester string) bool {
	return s.sessions.Cancel(requester)
}

// Busy reports whether requester has a run in flight.
func (s *Service) Busy(requester string) bool {
	return s.sessions.Busy(requester)
}

// Stats summarises recent call volume.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	if s.stats == nil {
		return domain.Stats{}, fmt.Errorf("statistics not configured")
	}
	return s.stats.Collect(ctx)
}
