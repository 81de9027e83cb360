// Package cron schedules synthetic inbound messages: one-shot,
// fixed-interval, or cron-expression jobs whose payloads are injected
// into the bus as if a channel had sent them.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed job schedule. Exactly one kind is active.
type Schedule struct {
	Kind     string        `json:"kind"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	At       time.Time     `json:"at,omitzero"`
	Timezone string        `json:"timezone,omitempty"`
}

// ScheduleSpec is the unparsed schedule surface: set exactly one of
// At, Every, or Cron.
type ScheduleSpec struct {
	At       string        `yaml:"at" json:"at,omitempty"`
	Every    time.Duration `yaml:"every" json:"every,omitempty"`
	Cron     string        `yaml:"cron" json:"cron,omitempty"`
	Timezone string        `yaml:"timezone" json:"timezone,omitempty"`
}

// ParseSchedule validates a spec into a Schedule.
func ParseSchedule(spec ScheduleSpec) (Schedule, error) {
	sched := Schedule{
		CronExpr: strings.TrimSpace(spec.Cron),
		Every:    spec.Every,
		Timezone: strings.TrimSpace(spec.Timezone),
	}
	if at := strings.TrimSpace(spec.At); at != "" {
		parsed, err := parseAt(at, sched.Timezone)
		if err != nil {
			return Schedule{}, err
		}
		sched.At = parsed
		sched.Kind = "at"
		return sched, nil
	}
	if sched.Every > 0 {
		sched.Kind = "every"
		return sched, nil
	}
	if sched.CronExpr != "" {
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return Schedule{}, fmt.Errorf("cron: invalid expression %q: %w", sched.CronExpr, err)
		}
		sched.Kind = "cron"
		return sched, nil
	}
	return Schedule{}, fmt.Errorf("cron: schedule requires at, every, or a cron expression")
}

// Next returns the next run after now. ok=false means the schedule is
// exhausted.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case "at":
		if now.After(s.At) {
			return time.Time{}, false
		}
		return s.At, true
	case "every":
		return now.Add(s.Every), true
	case "cron":
		loc := now.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		parsed, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		next := parsed.Next(now.In(loc))
		return next, !next.IsZero()
	default:
		return time.Time{}, false
	}
}

func parseAt(value, tz string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02 15:04"}
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			for _, layout := range layouts {
				if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
					return parsed, nil
				}
			}
		}
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("cron: invalid at timestamp %q", value)
}
