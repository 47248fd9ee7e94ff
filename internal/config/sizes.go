package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ParseByteSize parses precache.size-style strings: "unlimited" or a
// human size such as "200MiB", "1.5G", "512B". Returns -1 for
// unlimited.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "unlimited") {
		return -1, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("could not parse size %q: %w", s, err)
	}
	return int64(n), nil
}

var durationRe = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(s(?:ec(?:ond)?)?s?|m(?:in(?:ute)?)?s?|h(?:our)?s?|d(?:ay)?s?|w(?:eek)?s?|y(?:ear)?s?)$`)

// ParseDuration parses precache.age_threshold / precache.expiry /
// httpd.timeout strings: "unlimited" or NUMBER(s|m|h|d|w|y). Returns
// unlimited=true (and a zero duration) for "unlimited". Years are calendar-relative and approximated
// as 365.25 days, since the underlying time.Duration has no calendar
// notion; callers needing exact calendar arithmetic should add the
// year count to a time.Time directly via AddYears instead.
func ParseDuration(s string) (d time.Duration, unlimited bool, err error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "unlimited") {
		return 0, true, nil
	}

	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false, fmt.Errorf("could not parse duration %q", s)
	}

	qty, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false, fmt.Errorf("could not parse duration quantity %q: %w", m[1], err)
	}

	switch unit := strings.ToLower(m[2])[0]; unit {
	case 's':
		return time.Duration(qty * float64(time.Second)), false, nil
	case 'm':
		return time.Duration(qty * float64(time.Minute)), false, nil
	case 'h':
		return time.Duration(qty * float64(time.Hour)), false, nil
	case 'd':
		return time.Duration(qty * 24 * float64(time.Hour)), false, nil
	case 'w':
		return time.Duration(qty * 7 * 24 * float64(time.Hour)), false, nil
	case 'y':
		return time.Duration(qty * 365.25 * 24 * float64(time.Hour)), false, nil
	}

	return 0, false, fmt.Errorf("unreachable duration unit in %q", s)
}

// AddYears adds a calendar-relative number of years (possibly
// fractional, in which case the fractional part is applied as days)
// to t, matching the original implementation's year semantics.
func AddYears(t time.Time, years float64) time.Time {
	whole := int(years)
	frac := years - float64(whole)
	out := t.AddDate(whole, 0, 0)
	if frac != 0 {
		out = out.Add(time.Duration(frac * 365.25 * 24 * float64(time.Hour)))
	}
	return out
}
