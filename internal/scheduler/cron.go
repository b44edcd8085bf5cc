package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// specParser accepts `sec min hour day month weekday` expressions plus the
// @hourly/@daily/@weekly/@monthly/@yearly descriptors.
var specParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec parses a cron specification. A trailing seventh (year) field is
// tolerated and ignored; SQLite-era configs carry it.
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)

	if !strings.HasPrefix(spec, "@") {
		fields := strings.Fields(spec)
		if len(fields) == 7 {
			spec = strings.Join(fields[:6], " ")
		}
	}

	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing cron spec %q: %w", spec, err)
	}
	return schedule, nil
}
