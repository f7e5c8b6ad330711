package contracts

import (
	"strconv"
	"strings"
	"time"
)

// ParseExpiry reads an expiry code in either M/D/YY or DDMMYY form. The
// two-digit year is taken as 20YY. ok is false for any other shape or for
// a date that does not exist on the calendar.
func ParseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	var day, month, year int
	var err error

	switch {
	case strings.Contains(raw, "/"):
		parts := strings.Split(raw, "/")
		if len(parts) != 3 {
			return time.Time{}, false
		}
		if month, err = strconv.Atoi(parts[0]); err != nil {
			return time.Time{}, false
		}
		if day, err = strconv.Atoi(parts[1]); err != nil {
			return time.Time{}, false
		}
		if year, err = strconv.Atoi(parts[2]); err != nil {
			return time.Time{}, false
		}
	case len(raw) == 6:
		if day, err = strconv.Atoi(raw[0:2]); err != nil {
			return time.Time{}, false
		}
		if month, err = strconv.Atoi(raw[2:4]); err != nil {
			return time.Time{}, false
		}
		if year, err = strconv.Atoi(raw[4:6]); err != nil {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}

	if year < 0 || year > 99 {
		return time.Time{}, false
	}
	year += 2000
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalises out-of-range values; reject anything it moved.
	if d.Year() != year || int(d.Month()) != month || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

// expiryStart is the start of the expiry day in loc.
func expiryStart(d time.Time, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

// daysUntil counts whole days remaining from now to expiry, rounding down.
func daysUntil(now, expiry time.Time) int {
	return int(expiry.Sub(now).Hours() / 24)
}
