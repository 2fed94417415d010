// Package schedule evaluates five-field cron expressions. Due-checking is a
// pure function of (expression, instant) so the scheduler can be tested
// without a live clock.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// five-field grammar: minute hour day-of-month month day-of-week,
// with *, lists, ranges and steps. No seconds field, no descriptors.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Parse validates a cron expression. Malformed expressions are rejected here,
// at source creation time, never at fire time.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// Validate reports whether expr is a well-formed five-field expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// DueAt reports whether expr matches the minute containing t. Cron resolution
// is one minute; callers evaluating on a sub-minute tick must de-duplicate
// fires within the same minute themselves.
func DueAt(expr string, t time.Time) (bool, error) {
	sched, err := Parse(expr)
	if err != nil {
		return false, err
	}
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

var weekdays = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe renders a cron expression as human-readable text for the
// management surface. Unrecognized shapes fall back to the raw expression.
func Describe(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return "Custom schedule: " + expr
	}
	minute, hour, dom, month, dow := parts[0], parts[1], parts[2], parts[3], parts[4]
	rest := dom == "*" && month == "*"

	if interval, ok := strings.CutPrefix(minute, "*/"); ok && hour == "*" && rest && dow == "*" {
		return fmt.Sprintf("Every %s minutes", interval)
	}
	if minute == "0" && hour == "*" && rest && dow == "*" {
		return "Every hour"
	}
	if interval, ok := strings.CutPrefix(hour, "*/"); ok && minute == "0" && rest && dow == "*" {
		return fmt.Sprintf("Every %s hours", interval)
	}
	if h, err := strconv.Atoi(hour); err == nil && rest && dow == "*" {
		m, _ := strconv.Atoi(minute)
		return fmt.Sprintf("Daily at %s", clockTime(h, m))
	}
	if d, err := strconv.Atoi(dow); err == nil && rest && d >= 0 && d <= 6 {
		h, _ := strconv.Atoi(hour)
		m, _ := strconv.Atoi(minute)
		return fmt.Sprintf("Weekly on %s at %s", weekdays[d], clockTime(h, m))
	}
	return "Custom schedule: " + expr
}

func clockTime(hour, minute int) string {
	period := "AM"
	display := hour
	switch {
	case hour == 0:
		display = 12
	case hour == 12:
		period = "PM"
	case hour > 12:
		display = hour - 12
		period = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", display, minute, period)
}

// FromPreset converts an interval preset used by the management surface into
// a cron expression. Unknown presets default to hourly.
func FromPreset(preset, dailyHour, dailyMinute string) string {
	if dailyHour == "" {
		dailyHour = "0"
	}
	if dailyMinute == "" {
		dailyMinute = "0"
	}
	presets := map[string]string{
		"15min":   "*/15 * * * *",
		"30min":   "*/30 * * * *",
		"1hour":   "0 * * * *",
		"2hours":  "0 */2 * * *",
		"4hours":  "0 */4 * * *",
		"6hours":  "0 */6 * * *",
		"12hours": "0 */12 * * *",
		"daily":   fmt.Sprintf("%s %s * * *", dailyMinute, dailyHour),
	}
	if expr, ok := presets[preset]; ok {
		return expr
	}
	return "0 * * * *"
}
