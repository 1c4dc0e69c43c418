package cron

import (
	"context"
	"time"
)

// JobFunc is the work a scheduled job performs.
type JobFunc func(ctx context.Context) error

// Job status values recorded after each run.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job
type JobState struct {
	Name              string        `json:"name"`
	Spec              string        `json:"spec"`
	NextRunAt         time.Time     `json:"next_run_at,omitempty"`
	LastRunAt         time.Time     `json:"last_run_at,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
}
