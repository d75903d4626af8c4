package domain

import "time"

type ScheduleKind string

const (
	ScheduleSimple   ScheduleKind = "simple"
	ScheduleAdvanced ScheduleKind = "advanced"
)

type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
)

// Duration of one unit. Unknown units count as minutes.
func (u IntervalUnit) Duration() time.Duration {
	switch u {
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Schedule is either a fixed interval (Simple) or a weekly day/time pattern
// (Advanced). Kind selects which fields apply.
type Schedule struct {
	Kind ScheduleKind `json:"kind" validate:"required,oneof=simple advanced"`

	IntervalCount int          `json:"intervalCount,omitempty" validate:"gte=0"`
	IntervalUnit  IntervalUnit `json:"intervalUnit,omitempty" validate:"omitempty,oneof=minutes hours days"`

	DaysOfWeek []int `json:"daysOfWeek,omitempty" validate:"dive,gte=0,lte=6"`
	Hour       int   `json:"hour" validate:"gte=0,lte=23"`
	Minute     int   `json:"minute" validate:"gte=0,lte=59"`
}

func Every(count int, unit IntervalUnit) Schedule {
	return Schedule{Kind: ScheduleSimple, IntervalCount: count, IntervalUnit: unit}
}

func Weekly(days []int, hour, minute int) Schedule {
	return Schedule{Kind: ScheduleAdvanced, DaysOfWeek: days, Hour: hour, Minute: minute}
}
