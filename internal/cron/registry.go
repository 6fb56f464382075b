package cron

import "context"

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Entry is a registered job and the calendar it runs on.
type Entry struct {
	Job      Job
	Schedule Schedule
}

// Registry tracks registered cron jobs.
type Registry struct {
	entries []Entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a job to the registry.
func (r *Registry) Register(schedule Schedule, job Job) {
	if job == nil {
		return
	}
	r.entries = append(r.entries, Entry{Job: job, Schedule: schedule})
}

// Entries returns the registered jobs in the order they were added.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries
}

// Lookup finds a registered job by name.
func (r *Registry) Lookup(name string) (Job, bool) {
	for _, entry := range r.entries {
		if entry.Job.Name() == name {
			return entry.Job, true
		}
	}
	return nil, false
}

// Scheduled lists the registered jobs with their calendars.
func (r *Registry) Scheduled() []ScheduledJob {
	out := make([]ScheduledJob, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, ScheduledJob{Name: entry.Job.Name(), Schedule: entry.Schedule})
	}
	return out
}
