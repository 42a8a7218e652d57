package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/ports"
)

// StatsCollector summarises call history without delivering anything.
type StatsCollector struct {
	history ports.CallHistory
	loc     *time.Location
	now     func() time.Time
}

func NewStatsCollector(history ports.CallHistory, loc *time.Location, now func() time.Time) *StatsCollector {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &StatsCollector{history: history, loc: loc, now: now}
}

// Collect fetches today, this month and the last 24 hours up to now.
func (s *StatsCollector) Collect(ctx context.Context) (domain.Stats, error) {
	now := s.now().In(s.loc)
	end := now.Unix()
	todayStart := startOfDay(now)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)

	cred, err := s.history.Authenticate(ctx)
	if err != nil {
		return domain.Stats{}, err
	}

	today, err := s.history.FetchCalls(ctx, cred, todayStart.Unix(), end)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("fetch today: %w", err)
	}
	month, err := s.history.FetchCalls(ctx, cred, monthStart.Unix(), end)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("fetch month: %w", err)
	}
	recent, err := s.history.FetchCalls(ctx, cred, now.Add(-24*time.Hour).Unix(), end)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("fetch last 24h: %w", err)
	}

	return domain.Stats{
		Today:   summarise(today),
		Month:   summarise(month),
		Last24h: summarise(recent),
		AsOf:    now,
	}, nil
}

func summarise(calls []domain.CallRecord) domain.PeriodStats {
	stats := domain.PeriodStats{Total: len(calls)}
	if len(calls) == 0 {
		return stats
	}

	var seconds int64
	for _, c := range calls {
		switch c.Direction {
		case domain.DirectionInbound:
			stats.Inbound++
		case domain.DirectionOutbound:
			stats.Outbound++
		}
		if c.Contacted {
			stats.Contacted++
		}
		seconds += c.DurationSeconds
	}

	minutes := float64(seconds) / float64(len(calls)) / 60
	stats.AvgDurationMinutes = math.Round(minutes*10) / 10
	return stats
}
