package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// onceLayouts are tried in order when parsing a one-shot timestamp.
// The zoneless layout is interpreted in the scheduler's location.
var onceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ValidateSchedule reports whether a schedule value is usable for its
// type without computing an occurrence.
func ValidateSchedule(scheduleType, scheduleValue string, loc *time.Location) error {
	switch scheduleType {
	case protocol.ScheduleCron:
		if !gronx.New().IsValid(scheduleValue) {
			return fmt.Errorf("invalid cron expression %q", scheduleValue)
		}
		return nil
	case protocol.ScheduleInterval, protocol.ScheduleOnce:
		_, err := ComputeNextRun(scheduleType, scheduleValue, time.Now(), loc)
		return err
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// ComputeNextRun resolves a task's next firing instant strictly after
// the given reference time. A nil result with a nil error never occurs;
// one-shot tasks in the past still return their instant and fire on the
// next tick.
func ComputeNextRun(scheduleType, scheduleValue string, after time.Time, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	switch scheduleType {
	case protocol.ScheduleCron:
		next, err := gronx.NextTickAfter(scheduleValue, after.In(loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", scheduleValue, err)
		}
		return &next, nil
	case protocol.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("interval %q: %w", scheduleValue, err)
		}
		if ms <= 0 {
			return nil, fmt.Errorf("interval %q: must be a positive millisecond count", scheduleValue)
		}
		next := after.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case protocol.ScheduleOnce:
		for _, layout := range onceLayouts {
			at, err := time.ParseInLocation(layout, scheduleValue, loc)
			if err == nil {
				return &at, nil
			}
		}
		return nil, fmt.Errorf("once %q: not a recognized timestamp", scheduleValue)
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
