package cron

import (
	"fmt"
	"time"
)

const anyValue = -1

// Schedule is a minute-resolution UTC calendar rule. Fields set to -1 match
// any value.
type Schedule struct {
	Minute  int
	Hour    int
	Weekday int
	Day     int
}

func Hourly(minute int) Schedule {
	return Schedule{Minute: minute, Hour: anyValue, Weekday: anyValue, Day: anyValue}
}

func Daily(hour, minute int) Schedule {
	return Schedule{Minute: minute, Hour: hour, Weekday: anyValue, Day: anyValue}
}

func Weekly(day time.Weekday, hour, minute int) Schedule {
	return Schedule{Minute: minute, Hour: hour, Weekday: int(day), Day: anyValue}
}

func Monthly(day, hour, minute int) Schedule {
	return Schedule{Minute: minute, Hour: hour, Weekday: anyValue, Day: day}
}

// Matches reports whether t falls inside the scheduled minute.
func (s Schedule) Matches(t time.Time) bool {
	t = t.UTC()
	return t.Minute() == s.Minute &&
		matchField(s.Hour, t.Hour()) &&
		matchField(s.Weekday, int(t.Weekday())) &&
		matchField(s.Day, t.Day())
}

// Next returns the first scheduled minute strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	candidate := t.UTC().Truncate(time.Minute).Add(time.Minute)
	// Step by hour once the minute lines up; the longest gap is a month.
	for candidate.Minute() != s.Minute {
		candidate = candidate.Add(time.Minute)
	}
	limit := candidate.AddDate(0, 2, 0)
	for !s.Matches(candidate) && candidate.Before(limit) {
		candidate = candidate.Add(time.Hour)
	}
	return candidate
}

func (s Schedule) String() string {
	switch {
	case s.Hour == anyValue:
		return fmt.Sprintf("hourly at :%02d", s.Minute)
	case s.Weekday != anyValue:
		return fmt.Sprintf("%s %02d:%02d UTC", time.Weekday(s.Weekday), s.Hour, s.Minute)
	case s.Day != anyValue:
		return fmt.Sprintf("day %d %02d:%02d UTC", s.Day, s.Hour, s.Minute)
	default:
		return fmt.Sprintf("daily %02d:%02d UTC", s.Hour, s.Minute)
	}
}

func matchField(want, got int) bool {
	return want == anyValue || want == got
}

// Job names.
const (
	JobDailySync        = "daily-transaction-sync"
	JobWeeklyDonations  = "weekly-donation-processing"
	JobResetMonthly     = "reset-monthly-totals"
	JobRetryWebhooks    = "retry-failed-webhooks"
	JobDistributeGrants = "distribute-grants"
	JobOutboxRetention  = "outbox-retention"
)

// ScheduledJob pairs a job name with its calendar rule.
type ScheduledJob struct {
	Name     string
	Schedule Schedule
}

// DefaultSchedules lists the production job calendar.
func DefaultSchedules() []ScheduledJob {
	return []ScheduledJob{
		{Name: JobDailySync, Schedule: Daily(6, 0)},
		{Name: JobWeeklyDonations, Schedule: Weekly(time.Sunday, 20, 0)},
		{Name: JobResetMonthly, Schedule: Monthly(1, 0, 0)},
		{Name: JobRetryWebhooks, Schedule: Hourly(15)},
		{Name: JobDistributeGrants, Schedule: Daily(8, 0)},
		{Name: JobOutboxRetention, Schedule: Daily(3, 0)},
	}
}

// NextRun describes when a job fires next.
type NextRun struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"nextRun"`
}

func NextRuns(jobs []ScheduledJob, now time.Time) []NextRun {
	out := make([]NextRun, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, NextRun{
			Name:     job.Name,
			Schedule: job.Schedule.String(),
			NextRun:  job.Schedule.Next(now),
		})
	}
	return out
}
