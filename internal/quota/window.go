package quota

import (
	"fmt"
	"time"

	"github.com/compresr/tier-gateway/internal/config"
)

// Window boundaries are in the server's local time; daily windows reset at
// local midnight.

// DayStart returns local midnight of t's day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// MonthStart returns local midnight of the first day of t's month.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// NextMidnight returns the start of the next local day.
func NextMidnight(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1)
}

// UntilMidnight is the time left in t's daily window, never below one second.
func UntilMidnight(t time.Time) time.Duration {
	d := NextMidnight(t).Sub(t)
	if d < time.Second {
		return time.Second
	}
	return d
}

func monthlyKey(user string, tier config.Tier, t time.Time) string {
	return fmt.Sprintf("quota:{%s}:%s:monthly:%s", user, tier, t.Format("2006-01"))
}

func dailyKey(user string, tier config.Tier, t time.Time) string {
	return fmt.Sprintf("quota:{%s}:%s:daily:%s", user, tier, t.Format("2006-01-02"))
}

func untilMonthEnd(t time.Time) time.Duration {
	return MonthStart(t).AddDate(0, 1, 0).Sub(t)
}
