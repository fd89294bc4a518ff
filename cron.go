package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronEvaluator is the external cron-expression evaluator consumed by
// ExecutionBroadcaster. Implementations are opaque to the core: they take
// a schedule expression and a local naive datetime and return the next
// local naive datetime at or after it.
type CronEvaluator interface {
	// NextRunAfter returns the next run of schedule at or after
	// localNaive. It returns ErrNoMatchingDate (wrapped) if schedule has
	// no future occurrence, or a parse error if schedule is malformed —
	// both are treated identically by the caller (§7: drop from the
	// firing queue, log, keep the job in the Catalog).
	NextRunAfter(schedule string, localNaive time.Time) (time.Time, error)
}

// robfigEvaluator adapts github.com/robfig/cron/v3 to the CronEvaluator
// contract, the same parser configuration the teacher's calculateNextStart
// used (seconds-resolution, six-field cron).
type robfigEvaluator struct {
	parser cron.Parser
}

// NewRobfigEvaluator returns a CronEvaluator backed by robfig/cron/v3,
// parsing six-field expressions (seconds through day-of-week).
func NewRobfigEvaluator() CronEvaluator {
	return &robfigEvaluator{
		parser: cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		),
	}
}

func (e *robfigEvaluator) NextRunAfter(schedule string, localNaive time.Time) (time.Time, error) {
	sched, err := e.parser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}

	// cron.Schedule.Next is exclusive of its argument; robfig/cron finds
	// the first occurrence strictly after localNaive. The spec's
	// next_run_after is inclusive ("at or after"), so special-case an
	// exact match first.
	if matches(sched, localNaive) {
		return localNaive, nil
	}

	next := sched.Next(localNaive)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: schedule %q has no occurrence after %s",
			ErrNoMatchingDate, schedule, localNaive.Format(time.RFC3339))
	}
	return next, nil
}

// matches reports whether t itself satisfies sched, by checking that
// stepping back one second and asking for the next occurrence lands
// exactly back on t.
func matches(sched cron.Schedule, t time.Time) bool {
	probe := t.Add(-time.Second)
	return sched.Next(probe).Equal(t)
}
