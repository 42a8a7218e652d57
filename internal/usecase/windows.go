package usecase

import (
	"fmt"
	"strings"
	"time"

	"PBXNotifier/internal/domain"
)

// Period names a fixed replay window.
type Period string

const (
	PeriodToday     Period = "today"
	PeriodYesterday Period = "yesterday"
	PeriodWeek      Period = "week"
	PeriodMonth     Period = "month"
)

// Periods lists every supported period in command order.
var Periods = []Period{PeriodToday, PeriodYesterday, PeriodWeek, PeriodMonth}

// ParsePeriod accepts the period name in any case.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Periods {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Label is the human name used in replies.
func (p Period) Label() string {
	switch p {
	case PeriodWeek:
		return "this week"
	case PeriodMonth:
		return "this month"
	default:
		return string(p)
	}
}

// Window resolves the period against now in loc. Bounds are inclusive.
func (p Period) Window(now time.Time, loc *time.Location) domain.Window {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	today := startOfDay(now)

	switch p {
	case PeriodYesterday:
		start := today.AddDate(0, 0, -1)
		return domain.Window{Start: start.Unix(), End: today.Unix() - 1}
	case PeriodWeek:
		offset := (int(today.Weekday()) + 6) % 7
		start := today.AddDate(0, 0, -offset)
		return domain.Window{Start: start.Unix(), End: now.Unix()}
	case PeriodMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		next := start.AddDate(0, 1, 0)
		return domain.Window{Start: start.Unix(), End: next.Unix() - 1}
	default:
		return domain.Window{Start: today.Unix(), End: today.AddDate(0, 0, 1).Unix() - 1}
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
