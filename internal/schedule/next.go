// Package schedule computes next-run times for task schedules.
package schedule

import (
	"time"

	"cronsync/internal/domain"
)

// ComputeNextRun returns when a task with the given schedule and status is
// next due, or nil if it should not run. It is a pure function of its inputs.
func ComputeNextRun(s domain.Schedule, status domain.Status, now time.Time) *time.Time {
	if status != domain.StatusActive {
		return nil
	}
	switch s.Kind {
	case domain.ScheduleAdvanced:
		return nextWeekly(s, now)
	default:
		count := s.IntervalCount
		if count < 1 {
			count = 1
		}
		next := now.Add(time.Duration(count) * s.IntervalUnit.Duration())
		return &next
	}
}

// Recompute refreshes t.Runtime.NextRunAt from its schedule and status.
func Recompute(t *domain.Task, now time.Time) {
	t.Runtime.NextRunAt = ComputeNextRun(t.Schedule, t.Status, now)
}

func nextWeekly(s domain.Schedule, now time.Time) *time.Time {
	if len(s.DaysOfWeek) == 0 {
		return nil
	}
	var want [7]bool
	for _, d := range s.DaysOfWeek {
		if d >= 0 && d <= 6 {
			want[d] = true
		}
	}
	loc := now.Location()
	// Days 0-6 cover every weekday once; day 7 is the same weekday as today
	// for when today's slot has already passed.
	for i := 0; i <= 7; i++ {
		d := now.AddDate(0, 0, i)
		cand := time.Date(d.Year(), d.Month(), d.Day(), s.Hour, s.Minute, 0, 0, loc)
		if cand.After(now) && want[cand.Weekday()] {
			return &cand
		}
	}
	return nil
}
