package onlinepbx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"PBXNotifier/internal/domain"
)

const statusOK = "1"

// envelope is the shape of every OnlinePBX response.
type envelope struct {
	Status  flexString      `json:"status"`
	Data    json.RawMessage `json:"data"`
	Comment string          `json:"comment"`
}

func (e envelope) ok() bool { return string(e.Status) == statusOK }

type authData struct {
	Key   string `json:"key"`
	KeyID string `json:"key_id"`
}

type wireCall struct {
	UUID              string     `json:"uuid"`
	StartStamp        flexInt    `json:"start_stamp"`
	AccountCode       string     `json:"accountcode"`
	CallerIDNumber    flexString `json:"caller_id_number"`
	DestinationNumber flexString `json:"destination_number"`
	Duration          flexInt    `json:"duration"`
	UserTalkTime      flexInt    `json:"user_talk_time"`
	HangupCause       string     `json:"hangup_cause"`
	Gateway           flexString `json:"gateway"`
	Contacted         flexBool   `json:"contacted"`
}

func (w wireCall) toDomain() domain.CallRecord {
	return domain.CallRecord{
		ID:              w.UUID,
		StartTime:       int64(w.StartStamp),
		Direction:       domain.ParseDirection(w.AccountCode),
		Caller:          string(w.CallerIDNumber),
		Callee:          string(w.DestinationNumber),
		DurationSeconds: int64(w.Duration),
		TalkTimeSeconds: int64(w.UserTalkTime),
		HangupReason:    w.HangupCause,
		Gateway:         string(w.Gateway),
		Contacted:       bool(w.Contacted),
	}
}

var null = []byte("null")

// flexInt accepts 12, "12", "" and null.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, null) {
		*f = 0
		return nil
	}

	raw := string(b)
	if b[0] == '"' {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("flexInt: %w", err)
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*f = 0
			return nil
		}
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	fl, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("flexInt: %q is not a number", raw)
	}
	*f = flexInt(fl)
	return nil
}

// flexString accepts strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, null):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("flexString: %w", err)
		}
		*f = flexString(s)
	default:
		*f = flexString(b)
	}
	return nil
}

// flexBool accepts true/false, 1/0 and their quoted forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "", "0", "false", "no":
		*f = false
	default:
		*f = true
	}
	return nil
}
