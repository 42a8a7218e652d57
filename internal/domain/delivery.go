package domain

import "time"

// Outcome enumerates how a single call was delivered.
type Outcome string

const (
	OutcomeAudio    Outcome = "sent-with-audio"
	OutcomeText     Outcome = "sent-text-only"
	OutcomeDegraded Outcome = "degraded"
)

// RunMode distinguishes checkpoint-driven runs from fixed-window replays.
type RunMode string

const (
	ModeIncremental RunMode = "incremental"
	ModeWindow      RunMode = "window"
)

// RunReport summarises one pipeline invocation for whoever triggered it.
type RunReport struct {
	RunID     string
	Mode      RunMode
	Window    Window
	Fetched   int
	Skipped   int
	Processed int
	WithAudio int
	TextOnly  int
	Degraded  int
	Cancelled bool
}

// Record accounts for one handled call.
func (r *RunReport) Record(outcome Outcome) {
	r.Processed++
	switch outcome {
	case OutcomeAudio:
		r.WithAudio++
	case OutcomeText:
		r.TextOnly++
	case OutcomeDegraded:
		r.Degraded++
	}
}

// Sent returns calls that reached the channel in some form.
func (r RunReport) Sent() int {
	return r.WithAudio + r.TextOnly
}

// DeliveryEntry is the audit trail row for one handled call.
type DeliveryEntry struct {
	RunID       string
	CallID      string
	StartTime   int64
	Outcome     Outcome
	Attempts    int
	Error       string
	Summary     string
	DeliveredAt time.Time
}
