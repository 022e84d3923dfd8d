package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"butlerd/internal/domain"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the first firing of expr strictly after the given time,
// evaluated in the task's timezone. An empty timezone means UTC.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, domain.NewDomainError("Scheduler.NextRun", domain.ErrInvalidInput,
			fmt.Sprintf("cron expression %q: %v", expr, err))
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, domain.NewDomainError("Scheduler.NextRun", domain.ErrInvalidInput,
				fmt.Sprintf("timezone %q: %v", timezone, err))
		}
	}
	return sched.Next(after.In(loc)), nil
}
