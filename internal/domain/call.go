package domain

import (
	"fmt"
	"time"
)

// Direction classifies a call relative to the PBX.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
	DirectionUnknown  Direction = "unknown"
)

// ParseDirection maps provider account codes to a Direction.
func ParseDirection(code string) Direction {
	switch Direction(code) {
	case DirectionInbound, DirectionOutbound, DirectionInternal:
		return Direction(code)
	default:
		return DirectionUnknown
	}
}

// CallRecord is a completed call fetched from the call-history API.
type CallRecord struct {
	ID              string
	StartTime       int64
	Direction       Direction
	Caller          string
	Callee          string
	DurationSeconds int64
	TalkTimeSeconds int64
	HangupReason    string
	Gateway         string
	Contacted       bool
}

// Started returns StartTime as a time.Time.
func (c CallRecord) Started() time.Time {
	return time.Unix(c.StartTime, 0)
}

// Checkpoint marks how far the incremental stream has been delivered.
type Checkpoint struct {
	LastTimestamp int64
	LastCallID    string
}

// Window is a closed [Start, End] range of epoch seconds.
type Window struct {
	Start int64
	End   int64
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]",
		time.Unix(w.Start, 0).UTC().Format(time.RFC3339),
		time.Unix(w.End, 0).UTC().Format(time.RFC3339))
}
