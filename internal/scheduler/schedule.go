// Package scheduler fires deferred and recurring agent invocations through
// the same session-start path interactive sessions use.
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule grammar, all in local time:
//
//	"{n}m|h|d"           one-time offset from now
//	"every {n}m|h|d"     recurring offset from now
//	"daily HH:MM"        recurring wall-clock time
//	"YYYY-MM-DD HH:MM"   one-time absolute
var (
	reOffset   = regexp.MustCompile(`^(\d+)([mhd])$`)
	reEvery    = regexp.MustCompile(`^every (\d+)([mhd])$`)
	reDaily    = regexp.MustCompile(`^daily (\d{2}):(\d{2})$`)
	reAbsolute = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2}) (\d{2}):(\d{2})$`)
)

func offsetDuration(n int, unit string) time.Duration {
	switch unit {
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	default: // "d"
		return time.Duration(n) * 24 * time.Hour
	}
}

// CalculateNextRun parses a schedule string and returns the next absolute
// run time from the given instant.
func CalculateNextRun(schedule string, from time.Time) (time.Time, error) {
	schedule = strings.TrimSpace(schedule)

	if m := reOffset.FindStringSubmatch(schedule); m != nil {
		n, _ := strconv.Atoi(m[1])
		return from.Add(offsetDuration(n, m[2])), nil
	}

	if m := reEvery.FindStringSubmatch(schedule); m != nil {
		n, _ := strconv.Atoi(m[1])
		return from.Add(offsetDuration(n, m[2])), nil
	}

	if m := reDaily.FindStringSubmatch(schedule); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time in schedule %q", schedule)
		}
		y, mo, d := from.Date()
		next := time.Date(y, mo, d, hour, minute, 0, 0, from.Location())
		// Already passed today: roll to tomorrow.
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	}

	if m := reAbsolute.FindStringSubmatch(schedule); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid date in schedule %q", schedule)
		}
		return time.Date(year, time.Month(month), day, hour, minute, 0, 0, from.Location()), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized schedule %q", schedule)
}

// IsRecurring reports whether the schedule repeats after firing.
func IsRecurring(schedule string) bool {
	schedule = strings.TrimSpace(schedule)
	return strings.HasPrefix(schedule, "every ") || strings.HasPrefix(schedule, "daily ")
}

// Validate rejects schedule strings the grammar cannot parse.
func Validate(schedule string) error {
	_, err := CalculateNextRun(schedule, time.Now())
	return err
}
