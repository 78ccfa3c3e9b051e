package evaluator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"alarmeval/internal/types"
)

// Standard five-field cron, no seconds and no descriptors beyond the
// defaults robfig accepts.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// boundaryPrecision is the distance from an activation within which "now"
// counts as being on the activation itself.
const boundaryPrecision = time.Minute

// maxLookback bounds the search for a previous activation. Schedules that
// never fired within it are treated as never active.
const maxLookback = 5 * 366 * 24 * time.Hour

// WithinTimeConstraint reports whether now falls inside at least one of the
// constraints' windows. No constraints means always inside.
func WithinTimeConstraint(constraints []types.TimeConstraint, now time.Time) (bool, error) {
	if len(constraints) == 0 {
		return true, nil
	}
	for _, tc := range constraints {
		inside, err := withinConstraint(tc, now)
		if err != nil {
			return false, err
		}
		if inside {
			return true, nil
		}
	}
	return false, nil
}

func withinConstraint(tc types.TimeConstraint, now time.Time) (bool, error) {
	loc := time.UTC
	if tc.Timezone != "" {
		l, err := time.LoadLocation(tc.Timezone)
		if err != nil {
			return false, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
				fmt.Sprintf("time constraint %q: unknown timezone %q", tc.Name, tc.Timezone), err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(tc.Start)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeValidationInvalidCron,
			fmt.Sprintf("time constraint %q: invalid start %q", tc.Name, tc.Start), err)
	}

	local := now.In(loc)
	prev, ok := previousActivation(sched, local)
	if !ok {
		return false, nil
	}

	// Stepping back one activation and forward again lands on "now" when now
	// is itself an activation.
	if d := sched.Next(prev).Sub(local); d < boundaryPrecision && d > -boundaryPrecision {
		return true, nil
	}
	end := prev.Add(time.Duration(tc.Duration) * time.Second)
	return !local.Before(prev) && !local.After(end), nil
}

// previousActivation returns the latest activation strictly before t.
// cron.Schedule only walks forward, so the lookback window doubles until it
// contains an activation, then walks forward to the last one before t.
func previousActivation(sched cron.Schedule, t time.Time) (time.Time, bool) {
	for lookback := time.Minute; lookback <= maxLookback; lookback *= 2 {
		candidate := sched.Next(t.Add(-lookback))
		if candidate.IsZero() || !candidate.Before(t) {
			continue
		}
		for {
			next := sched.Next(candidate)
			if next.IsZero() || !next.Before(t) {
				return candidate, true
			}
			candidate = next
		}
	}
	return time.Time{}, false
}
