package model

import "time"

// ScheduleKind selects the trigger model for a job.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleManual   ScheduleKind = "manual"
)

// Schedule is a job's trigger descriptor.
//
// Exactly one of the kind-specific fields is meaningful:
//   - cron:     Expr, a five-field cron expression
//   - interval: Every, a fixed period
//   - once:     At, a single fire timestamp
//   - manual:   nothing; the job only runs on explicit triggers
type Schedule struct {
	Kind  ScheduleKind  `json:"kind"`
	Expr  string        `json:"expr,omitempty"`
	Every time.Duration `json:"every,omitempty"`
	At    time.Time     `json:"at,omitempty"`
}

// TimeBased reports whether the evaluator should track this schedule.
func (s Schedule) TimeBased() bool {
	return s.Kind == ScheduleCron || s.Kind == ScheduleInterval || s.Kind == ScheduleOnce
}
