package helpers

import (
	"strings"
	"time"
)

var flexibleDateLayouts = []string{
	"2006-01-02 15:04",
	"2006-1-2 15:04",
	"2006-01-02",
	"02.01.2006 15:04",
	"2.1.2006 15:04",
	"02.01.2006",
}

// ParseFlexibleDate tries the date formats operators type in chat and returns
// the time in loc.
func ParseFlexibleDate(input string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range flexibleDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseSchedule accepts "now", a relative offset such as "+90m" or "+2h", or
// an absolute date understood by ParseFlexibleDate.
func ParseSchedule(input string, now time.Time) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(input))
	switch {
	case s == "now":
		return now, true
	case strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(s[1:])
		if err != nil || d < 0 {
			return time.Time{}, false
		}
		return now.Add(d), true
	}
	return ParseFlexibleDate(s, now.Location())
}
