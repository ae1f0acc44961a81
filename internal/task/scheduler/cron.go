package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// CronParser accepts both 5-field and 6-field (with seconds) specs plus descriptors.
func CronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateCron reports whether spec parses. "-" (disabled) is accepted.
func ValidateCron(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "-" {
		return nil
	}
	if _, err := CronParser().Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}
