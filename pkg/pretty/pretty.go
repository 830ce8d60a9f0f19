// Package pretty renders timestamps and identifiers for human-facing
// CLI output.
package pretty

import (
	"fmt"
	"strings"
	"time"
)

// Date renders a past timestamp relative to now: "just now" within two
// minutes, "today @ 15:04 (12 min ago)" within the hour, "today" or
// "yesterday" forms for nearby days, and a full date otherwise. The day
// of month in the full form is padded rather than zero-filled so month
// names line up in tabular output.
func Date(date, now time.Time) string {
	difference := now.Sub(date)

	year, month, day := date.Date()
	nowYear, nowMonth, nowDay := now.Date()
	yesterday := now.AddDate(0, 0, -1)
	yesterdayYear, yesterdayMonth, yesterdayDay := yesterday.Date()

	isToday := year == nowYear && month == nowMonth && day == nowDay
	isYesterday := year == yesterdayYear && month == yesterdayMonth && day == yesterdayDay

	switch {
	case difference <= 2*time.Minute:
		return "just now"
	case isToday && difference <= time.Hour:
		return fmt.Sprintf("today @ %s (%d min ago)", date.Format("15:04"), int(difference.Minutes()))
	case isToday:
		return "today @ " + date.Format("15:04")
	case isYesterday && difference <= time.Hour:
		return fmt.Sprintf("yesterday @ %s (%d min ago)", date.Format("15:04"), int(difference.Minutes()))
	case isYesterday:
		return "yesterday @ " + date.Format("15:04")
	default:
		result := date.Format("Mon 02 January 2006 @ 15:04")
		// Pad the day of the month instead of zero-filling it, but
		// leave the timestamp alone.
		if result[4] == '0' {
			return strings.Replace(result, " 0", "  ", 1)
		}
		return result
	}
}

// ShortID truncates a release or image identifier for display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
