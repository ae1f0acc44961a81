package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional, non-negative duration. An empty value is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// durations parses a group of fields and keeps only the first error, so
// mapping code can read every field and check once at the end.
type durations struct {
	prefix string
	err    error
}

func (p *durations) field(name, raw string) time.Duration {
	d, err := ParseDurationField(p.prefix+"."+name, raw)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

// positive is like field but rejects an explicit zero ("0s").
func (p *durations) positive(name, raw string) time.Duration {
	d := p.field(name, raw)
	if d == 0 && strings.TrimSpace(raw) != "" && p.err == nil {
		p.err = fmt.Errorf("%s.%s: duration must be > 0", p.prefix, name)
	}
	return d
}
