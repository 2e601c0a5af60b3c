// Package recurrence computes schedule occurrence times.
//
// All functions are pure (no I/O, no clock access); the caller supplies the
// reference instant. Timestamps are wall-clock local time, matching the TEXT
// columns the store persists.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rule is a fixed recurrence choice exposed to the UI.
type Rule string

const (
	Hourly     Rule = "hourly"
	Daily      Rule = "daily"
	Weekly     Rule = "weekly"
	Every4Days Rule = "every_4_days"
	Monthly    Rule = "monthly"
)

// Rules lists all valid rules in UI order.
var Rules = []Rule{Hourly, Daily, Weekly, Every4Days, Monthly}

var ErrInvalidRule = errors.New("invalid recurrence")

// ParseRule validates a persisted or user-supplied recurrence string.
func ParseRule(s string) (Rule, error) {
	r := Rule(strings.TrimSpace(s))
	for _, known := range Rules {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRule, s)
}

// DefaultTimeOfDay is the anchor used when a persisted time string is malformed.
const DefaultTimeOfDay = "07:00"

// Timestamp is the wire format for next_run/last_run/created_at columns.
const Timestamp = "2006-01-02 15:04:05"

// DateOnly is the wire format for start_date.
const DateOnly = "2006-01-02"

// Step advances t by one recurrence interval.
//
// Monthly moves to the same day next month, clamped to that month's last day
// (Jan 31 -> Feb 28/29 -> Mar 28/29; no forward drift back to 31).
func Step(t time.Time, rule Rule) time.Time {
	switch rule {
	case Hourly:
		return t.Add(time.Hour)
	case Daily:
		return addDays(t, 1)
	case Weekly:
		return addDays(t, 7)
	case Every4Days:
		return addDays(t, 4)
	case Monthly:
		return bumpMonth(t)
	}
	// Fresh input is validated at the API boundary, so an unknown rule can
	// only come from a hand-edited row. Treat it as daily, like the other
	// lenient fallbacks for persisted values.
	return addDays(t, 1)
}

// addDays keeps the wall-clock time stable across DST transitions, unlike
// t.Add(24h * n).
func addDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func bumpMonth(t time.Time) time.Time {
	year, month := t.Year(), t.Month()+1
	if month > time.December {
		month = time.January
		year++
	}
	day := t.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// First returns the earliest occurrence at timeOfDay on or after startDate
// that is strictly after ref, stepping forward from the anchor.
func First(rule Rule, timeOfDay, startDate string, ref time.Time) time.Time {
	hour, minute := ParseTimeOfDay(timeOfDay)
	start := ParseStartDate(startDate, ref)
	candidate := time.Date(start.Year(), start.Month(), start.Day(), hour, minute, 0, 0, ref.Location())
	for !candidate.After(ref) {
		candidate = Step(candidate, rule)
	}
	return candidate
}

// Next returns the next occurrence strictly after ref.
//
// When current is nil it falls back to First. Otherwise it repeatedly steps
// current forward; this self-heals after downtime by skipping every missed
// slot instead of queueing a backlog.
func Next(current *time.Time, rule Rule, timeOfDay, startDate string, ref time.Time) time.Time {
	if current == nil {
		return First(rule, timeOfDay, startDate, ref)
	}
	next := *current
	for !next.After(ref) {
		next = Step(next, rule)
	}
	return next
}

// ParseTimeOfDay parses "HH:MM" leniently. Malformed persisted values fall
// back to the 07:00 default rather than erroring; fresh input is validated at
// the API boundary before it ever reaches here.
func ParseTimeOfDay(s string) (hour, minute int) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 3)
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 7, 0
	}
	m := 0
	if len(parts) > 1 {
		m, err = strconv.Atoi(parts[1])
		if err != nil || m < 0 || m > 59 {
			return 7, 0
		}
	}
	return h, m
}

// ParseStartDate parses "YYYY-MM-DD" leniently, falling back to ref's date.
func ParseStartDate(s string, ref time.Time) time.Time {
	d, err := time.ParseInLocation(DateOnly, strings.TrimSpace(s), ref.Location())
	if err != nil {
		return time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())
	}
	return d
}

// ParseTimestamp parses a persisted next_run/last_run value.
// Returns nil for empty or malformed values.
func ParseTimestamp(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(Timestamp, s, loc)
	if err != nil {
		return nil
	}
	return &t
}

// FormatTimestamp renders t in the persisted wire format.
func FormatTimestamp(t time.Time) string { return t.Format(Timestamp) }
