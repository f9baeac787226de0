package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dotclaw/dotclaw/internal/datetime"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// minInterval floors interval schedules so a typo cannot hot-loop the
// scheduler.
const minInterval = time.Second

// ValidateSchedule checks a (kind, value) pair without computing a fire
// time. Once values are parsed against loc because bare wall-clock forms
// are timezone-relative.
func ValidateSchedule(kind models.ScheduleKind, value string, loc *time.Location) error {
	switch kind {
	case models.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		return nil
	case models.ScheduleInterval:
		_, err := parseInterval(value)
		return err
	case models.ScheduleOnce:
		_, err := datetime.ParseScheduledTimestamp(value, loc)
		return err
	}
	return fmt.Errorf("unknown schedule kind %q", kind)
}

// NextRun computes when a task should next fire, strictly after now.
// ok=false with a nil error means the schedule has no future fire (a
// once whose time has passed).
func NextRun(task models.Task, now time.Time, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch task.ScheduleKind {
	case models.ScheduleCron:
		sched, err := cronParser.Parse(task.ScheduleValue)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid cron expression: %w", err)
		}
		next := sched.Next(now.In(loc))
		return next, !next.IsZero(), nil
	case models.ScheduleInterval:
		d, err := parseInterval(task.ScheduleValue)
		if err != nil {
			return time.Time{}, false, err
		}
		base := now
		if task.LastRun != nil {
			base = *task.LastRun
		}
		return base.Add(d), true, nil
	case models.ScheduleOnce:
		at, err := datetime.ParseScheduledTimestamp(task.ScheduleValue, loc)
		if err != nil {
			return time.Time{}, false, err
		}
		if !at.After(now) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	}
	return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", task.ScheduleKind)
}

// parseInterval reads a Go duration string ("90s", "15m", "2h").
func parseInterval(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("interval required")
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	if d < minInterval {
		return 0, fmt.Errorf("interval %q below %s floor", value, minInterval)
	}
	return d, nil
}
