// Package recurrence computes due dates for recurring definitions. It is a
// pure calendar computation: no store access, restartable, finite for any
// finite window.
package recurrence

import (
	"fmt"
	"time"

	"github.com/Krestall88/cleaning-control/internal/domain"
)

// DueDates returns every due date of def inside [windowStart, windowEnd]
// (inclusive, calendar dates in YYYY-MM-DD form), ascending.
//
// DAILY yields every day, WEEKLY every 7th day anchored at ActiveFrom (the
// anchor decides the weekday, not a named weekday), MONTHLY the anchor's
// day-of-month clamped to the last day of short months. Arithmetic runs in
// the definition's time zone so DST shifts cannot slide a due date across
// midnight.
func DueDates(def domain.RecurringDefinition, windowStart, windowEnd string) ([]string, error) {
	loc, err := time.LoadLocation(def.Timezone)
	if err != nil {
		return nil, fmt.Errorf("definition %s: bad timezone %q: %w", def.ID, def.Timezone, err)
	}
	anchor, err := parseDate(def.ActiveFrom, loc)
	if err != nil {
		return nil, fmt.Errorf("definition %s: bad active_from: %w", def.ID, err)
	}
	start, err := parseDate(windowStart, loc)
	if err != nil {
		return nil, err
	}
	end, err := parseDate(windowEnd, loc)
	if err != nil {
		return nil, err
	}
	if anchor.After(start) {
		start = anchor
	}
	if def.ActiveUntil != nil {
		until, err := parseDate(*def.ActiveUntil, loc)
		if err != nil {
			return nil, fmt.Errorf("definition %s: bad active_until: %w", def.ID, err)
		}
		if until.Before(end) {
			end = until
		}
	}
	if start.After(end) {
		return nil, nil
	}

	var dates []string
	switch def.Frequency {
	case domain.Daily:
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			dates = append(dates, d.Format(domain.DateLayout))
		}
	case domain.Weekly:
		// First on-grid date at or after start. Day counting goes through
		// UTC midnights so a DST shift inside the span cannot skew it.
		if rem := civilDays(anchor, start) % 7; rem != 0 {
			start = start.AddDate(0, 0, 7-rem)
		}
		for d := start; !d.After(end); d = d.AddDate(0, 0, 7) {
			dates = append(dates, d.Format(domain.DateLayout))
		}
	case domain.Monthly:
		year, month := start.Year(), start.Month()
		for {
			d := monthlyDue(year, month, anchor.Day(), loc)
			if d.After(end) {
				break
			}
			if !d.Before(start) && !d.Before(anchor) {
				dates = append(dates, d.Format(domain.DateLayout))
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
	default:
		return nil, fmt.Errorf("definition %s: unknown frequency %q", def.ID, def.Frequency)
	}
	return dates, nil
}

// Matches reports whether date lies on the definition's recurrence grid.
// Used by the write path to reject keys that could never be projected.
func Matches(def domain.RecurringDefinition, date string) (bool, error) {
	dates, err := DueDates(def, date, date)
	if err != nil {
		return false, err
	}
	return len(dates) == 1, nil
}

// monthlyDue resolves the anchor's day-of-month in the given month, falling
// back to the month's last day when the anchor day does not exist (Jan 31 ->
// Feb 28/29, Apr 30).
func monthlyDue(year int, month time.Month, day int, loc *time.Location) time.Time {
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day 0 of the next month normalizes to this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// civilDays counts whole calendar days from a to b, ignoring zone offsets.
func civilDays(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au).Hours() / 24)
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(domain.DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
