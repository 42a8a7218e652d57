// Package formatting renders call records and run summaries as Telegram HTML.
package formatting

import (
	"fmt"
	"html"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"PBXNotifier/internal/domain"
)

// Suffixes appended when a recording could not be attached.
const (
	RecordingUnavailable = "\n\n⚠️ <i>Recording couldn't be sent</i>"
	RecordingRateLimited = "\n\n⚠️ <i>Recording couldn't be sent (rate limited)</i>"
	RecordingAPIError    = "\n\n⚠️ <i>Recording couldn't be sent (API error)</i>"
)

const timeLayout = "2006-01-02 15:04:05"

var directionIcons = map[domain.Direction]string{
	domain.DirectionInbound:  "📥",
	domain.DirectionOutbound: "📤",
	domain.DirectionInternal: "🔄",
	domain.DirectionUnknown:  "📞",
}

var hangupCauses = map[string]string{
	"NORMAL_CLEARING":          "Normal Hangup",
	"USER_BUSY":                "User Busy",
	"NO_ANSWER":                "No Answer",
	"CALL_REJECTED":            "Call Rejected",
	"ORIGINATOR_CANCEL":        "Caller Cancelled",
	"UNALLOCATED_NUMBER":       "Invalid Number",
	"NO_USER_RESPONSE":         "No Response",
	"NORMAL_UNSPECIFIED":       "Normal Unspecified",
	"NORMAL_TEMPORARY_FAILURE": "Temporary Failure",
	"RECOVERY_ON_TIMER_EXPIRE": "Timeout",
	"REQUESTED_CHAN_UNAVAIL":   "Channel Unavailable",
}

var titleCaser = cases.Title(language.Und)

// Formatter renders call notifications in a fixed timezone.
type Formatter struct {
	loc *time.Location
}

// NewFormatter builds a formatter; a nil location means UTC.
func NewFormatter(loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return &Formatter{loc: loc}
}

// FormatCall renders one call record. Every provider-supplied field is escaped.
func (f *Formatter) FormatCall(call domain.CallRecord) string {
	icon, ok := directionIcons[call.Direction]
	if !ok {
		icon = directionIcons[domain.DirectionUnknown]
	}

	contacted := "❌ No"
	if call.Contacted {
		contacted = "✅ Yes"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Call Record</b>\n\n", icon)
	fmt.Fprintf(&b, "⏰ <b>Time:</b> %s\n", call.Started().In(f.loc).Format(timeLayout))
	fmt.Fprintf(&b, "📱 <b>From:</b> %s\n", escapeOr(call.Caller, "Unknown"))
	fmt.Fprintf(&b, "📲 <b>To:</b> %s\n", escapeOr(call.Callee, "Unknown"))
	fmt.Fprintf(&b, "🔀 <b>Gateway:</b> %s\n", escapeOr(call.Gateway, "Unknown"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", FormatDuration(call.DurationSeconds))
	fmt.Fprintf(&b, "💬 <b>Talk Time:</b> %s\n", FormatDuration(call.TalkTimeSeconds))
	fmt.Fprintf(&b, "💼 <b>Type:</b> %s\n", DirectionLabel(call.Direction))
	fmt.Fprintf(&b, "📞 <b>Contacted:</b> %s\n", contacted)
	fmt.Fprintf(&b, "📝 <b>Result:</b> %s", html.EscapeString(HangupLabel(call.HangupReason)))
	return b.String()
}

// DirectionLabel returns a display label; unknown directions read "Unknown".
func DirectionLabel(d domain.Direction) string {
	if _, ok := directionIcons[d]; !ok || d == "" {
		d = domain.DirectionUnknown
	}
	return titleCaser.String(string(d))
}

// HangupLabel maps provider hangup causes to readable text.
func HangupLabel(code string) string {
	if code == "" {
		return "Unknown"
	}
	if label, ok := hangupCauses[code]; ok {
		return label
	}
	return titleCaser.String(strings.ReplaceAll(code, "_", " "))
}

// FormatDuration renders seconds as "N sec", "M min S sec" or "H hr M min S sec".
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("%d sec", seconds)
	}
	minutes, secs := seconds/60, seconds%60
	if minutes < 60 {
		return fmt.Sprintf("%d min %d sec", minutes, secs)
	}
	hours, minutes := minutes/60, minutes%60
	return fmt.Sprintf("%d hr %d min %d sec", hours, minutes, secs)
}

func escapeOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return html.EscapeString(value)
}

// Escape makes arbitrary text safe inside an HTML-mode message.
func Escape(s string) string {
	return html.EscapeString(s)
}
