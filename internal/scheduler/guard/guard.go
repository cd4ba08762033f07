package guard

import (
	"errors"
	"time"
)

var (
	ErrNotDue           = errors.New("job_not_due")
	ErrInvalidTimeOfDay = errors.New("invalid_time_of_day")
	ErrInvalidInterval  = errors.New("invalid_interval")
)

// DailySlot returns the UTC calendar day whose run is due at now, given a
// daily trigger at hour:minute. Before the trigger time nothing is due.
func DailySlot(now time.Time, hour, minute int) (string, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", ErrInvalidTimeOfDay
	}
	now = now.UTC()
	trigger := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if now.Before(trigger) {
		return "", ErrNotDue
	}
	return trigger.Format(time.DateOnly), nil
}

// IntervalSlot returns the start of the interval containing now.
func IntervalSlot(now time.Time, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", ErrInvalidInterval
	}
	return now.UTC().Truncate(interval).Format(time.RFC3339), nil
}
