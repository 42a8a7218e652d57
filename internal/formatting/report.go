package formatting

import (
	"fmt"
	"strings"
	"time"

	"PBXNotifier/internal/domain"
)

// FormatReport renders the summary sent back to whoever triggered a run.
// label names the period for window runs ("today", "this month").
func FormatReport(report domain.RunReport, label string) string {
	var b strings.Builder

	switch {
	case report.Mode == domain.ModeWindow && report.Fetched == 0:
		fmt.Fprintf(&b, "No calls found for %s", label)
	case report.Mode == domain.ModeWindow:
		fmt.Fprintf(&b, "Sent %d calls to the channel", report.Sent())
	default:
		fmt.Fprintf(&b, "Check completed! Processed %d calls.", report.Processed)
	}

	if report.Processed > 0 {
		fmt.Fprintf(&b, "\n🎧 With audio: %d\n📝 Text only: %d", report.WithAudio, report.TextOnly)
		if report.Degraded > 0 {
			fmt.Fprintf(&b, "\n⚠️ Failed to deliver: %d", report.Degraded)
		}
	}
	if report.Cancelled {
		b.WriteString("\n⏹ Cancelled before the window was finished.")
	}
	return b.String()
}

// FormatStats renders the statistics command reply.
func (f *Formatter) FormatStats(stats domain.Stats) string {
	var b strings.Builder
	b.WriteString("📊 <b>Call Statistics</b>\n\n")

	b.WriteString("<b>Today:</b>\n")
	fmt.Fprintf(&b, "- Total calls: %d\n", stats.Today.Total)
	fmt.Fprintf(&b, "- Inbound calls: %d\n", stats.Today.Inbound)
	fmt.Fprintf(&b, "- Outbound calls: %d\n", stats.Today.Outbound)
	fmt.Fprintf(&b, "- Contacted: %d\n", stats.Today.Contacted)
	fmt.Fprintf(&b, "- Average duration: %.1f minutes\n\n", stats.Today.AvgDurationMinutes)

	b.WriteString("<b>This month:</b>\n")
	fmt.Fprintf(&b, "- Total calls: %d\n", stats.Month.Total)
	fmt.Fprintf(&b, "- Contacted: %d\n", stats.Month.Contacted)
	fmt.Fprintf(&b, "- Average duration: %.1f minutes\n\n", stats.Month.AvgDurationMinutes)

	b.WriteString("<b>Last 24 hours:</b>\n")
	fmt.Fprintf(&b, "- Total calls: %d\n\n", stats.Last24h.Total)

	asOf := stats.AsOf
	if asOf.IsZero() {
		asOf = time.Unix(0, 0)
	}
	fmt.Fprintf(&b, "<i>Statistics as of %s</i>", asOf.In(f.loc).Format("2006-01-02 15:04"))
	return b.String()
}
