package domain

import "time"

// PeriodStats aggregates calls over one reporting period.
type PeriodStats struct {
	Total              int
	Inbound            int
	Outbound           int
	Contacted          int
	AvgDurationMinutes float64
}

// Stats is the snapshot shown by the statistics command.
type Stats struct {
	Today   PeriodStats
	Month   PeriodStats
	Last24h PeriodStats
	AsOf    time.Time
}
