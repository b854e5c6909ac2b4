// Package week provides the ISO-week date arithmetic the leaderboard and the
// archive job key their data by. A competition week runs Monday 00:00 UTC to
// the next Monday 00:00 UTC.
package week

import (
	"fmt"
	"time"
)

// Key returns the ISO week identifier for t, e.g. "2026-W35".
func Key(t time.Time) string {
	year, wk := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, wk)
}

// Start returns Monday 00:00 UTC of the week containing t.
func Start(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 { // Sunday belongs to the week that started 6 days earlier
		weekday = 7
	}
	day := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// Previous returns the key of the week before the one containing t.
func Previous(t time.Time) string {
	return Key(Start(t).AddDate(0, 0, -1))
}
