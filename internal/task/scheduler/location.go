package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultLocation is the fixed UTC+05:30 offset used when no timezone is configured.
var DefaultLocation = time.FixedZone("UTC+05:30", 5*3600+30*60)

var reOffset = regexp.MustCompile(`^(?:UTC)?([+-])(\d{1,2}):?(\d{2})$`)

// ParseLocation accepts an IANA zone name ("Asia/Kolkata") or a fixed offset
// ("+05:30", "UTC-03:00"). Empty input yields DefaultLocation.
func ParseLocation(raw string) (*time.Location, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultLocation, nil
	}
	if m := reOffset.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		h, _ := strconv.Atoi(m[2])
		mm, _ := strconv.Atoi(m[3])
		if h > 14 || mm > 59 {
			return nil, fmt.Errorf("timezone offset out of range: %q", raw)
		}
		off := h*3600 + mm*60
		name := fmt.Sprintf("UTC%s%02d:%02d", m[1], h, mm)
		if m[1] == "-" {
			off = -off
		}
		return time.FixedZone(name, off), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", raw, err)
	}
	return loc, nil
}
