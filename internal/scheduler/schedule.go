package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"jobengine/internal/models"
)

// ErrInvalidSchedule is returned for definitions whose schedule cannot be evaluated.
var ErrInvalidSchedule = errors.New("invalid schedule")

// cronParser supports standard 5-field cron and descriptors like "@daily" or "@every 15m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ValidateSchedule checks that exactly one scheduling mode is set and that it is usable.
func ValidateSchedule(intervalMinutes *int, expr *string) error {
	hasInterval := intervalMinutes != nil
	hasCron := expr != nil && strings.TrimSpace(*expr) != ""
	switch {
	case hasInterval && hasCron:
		return fmt.Errorf("%w: interval and cron are mutually exclusive", ErrInvalidSchedule)
	case !hasInterval && !hasCron:
		return fmt.Errorf("%w: one of interval or cron is required", ErrInvalidSchedule)
	case hasInterval:
		if *intervalMinutes <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSchedule, *intervalMinutes)
		}
		return nil
	default:
		if _, err := cronParser.Parse(*expr); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, *expr, err)
		}
		return nil
	}
}

// NextRun computes the next run of d strictly after now.
func NextRun(d models.JobDefinition, now time.Time) (time.Time, error) {
	if err := ValidateSchedule(d.ScheduleIntervalMinutes, d.ScheduleCron); err != nil {
		return time.Time{}, err
	}
	if d.ScheduleIntervalMinutes != nil {
		return now.Add(time.Duration(*d.ScheduleIntervalMinutes) * time.Minute), nil
	}
	sched, err := cronParser.Parse(*d.ScheduleCron)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	next := sched.Next(now.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidSchedule, *d.ScheduleCron)
	}
	return next.UTC(), nil
}
