// Package timeparse turns operator input into due times.
//
// All relative forms are resolved in now's location.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid time")

// Help describes the accepted inputs.
const Help = `Accepted time formats:
  dd/mm hh:mm        e.g. 5/10 15:00 (next year if already past)
  hh:mm              e.g. 15:00 (tomorrow if not in the future)
  YYYY-MM-DD hh:mm   e.g. 2025-10-05 15:00
  RFC3339            e.g. 2025-10-05T15:00:00+05:30
  +duration          e.g. +90m, +2h30m`

var (
	reDayMonth = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})\s+(\d{1,2}):(\d{2})$`)
	reClock    = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

// Parse resolves input relative to now.
func Parse(input string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty input", ErrInvalid)
	}
	loc := now.Location()

	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("%w: bad relative duration %q", ErrInvalid, s)
		}
		return now.Add(d), nil
	}

	if m := reDayMonth.FindStringSubmatch(s); m != nil {
		day, month, hour, minute := atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4])
		if err := checkClock(hour, minute); err != nil {
			return time.Time{}, err
		}
		t, ok := date(now.Year(), month, day, hour, minute, loc)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: no such date %02d/%02d", ErrInvalid, day, month)
		}
		if t.Before(now) {
			t, ok = date(now.Year()+1, month, day, hour, minute, loc)
			if !ok {
				return time.Time{}, fmt.Errorf("%w: no such date %02d/%02d next year", ErrInvalid, day, month)
			}
		}
		return t, nil
	}

	if m := reClock.FindStringSubmatch(s); m != nil {
		hour, minute := atoi(m[1]), atoi(m[2])
		if err := checkClock(hour, minute); err != nil {
			return time.Time{}, err
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalid, s)
}

// Format renders t for operators, e.g. "05/10/2025 15:00 UTC+05:30".
func Format(t time.Time) string {
	name, _ := t.Zone()
	return t.Format("02/01/2006 15:04") + " " + name
}

func checkClock(hour, minute int) error {
	if hour > 23 || minute > 59 {
		return fmt.Errorf("%w: %02d:%02d is not a time of day", ErrInvalid, hour, minute)
	}
	return nil
}

// date builds a time and reports false when the fields were normalized (31/02).
func date(year, month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	return t, t.Day() == day && int(t.Month()) == month
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
