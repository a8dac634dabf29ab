package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"scmbridge/internal/jobstore"
)

var (
	// ErrJobResolution marks a definition that cannot be armed (unknown
	// handler, bad schedule, duplicate identity). Refresh skips it.
	ErrJobResolution = errors.New("scheduler: job resolution failed")
)

// InvocationError wraps a handler failure. It is logged and reported, never
// returned to the cron loop.
type InvocationError struct {
	Key string
	Err error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("scheduler: job %s failed: %v", e.Key, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Config controls the live scheduler.
type Config struct {
	Timezone        string
	StartupDelay    time.Duration
	DefaultSchedule string
	JobTimeout      time.Duration

	// TriggerNowBypass skips the enabled/cap re-check for manual triggers.
	TriggerNowBypass bool
	// SkipIfRunning drops a fire while the previous run of the same job is queued or running.
	SkipIfRunning bool
	// SpreadIntervals delays the first run of interval schedules by a random
	// fraction of the interval so restarts don't fire everything at once.
	SpreadIntervals bool

	// StartupRetries bounds how often a failed startup refresh is retried.
	// Zero means the default (5); negative disables retries.
	StartupRetries int
	// StartupRetryBackoff is the first retry delay, doubled per attempt up
	// to 30s. Zero means 1s.
	StartupRetryBackoff time.Duration
}

type trigger struct {
	id      jobstore.Identity
	name    string
	spec    string
	entryID cron.EntryID
}

// TriggerInfo describes one armed trigger.
type TriggerInfo struct {
	Key      string            `json:"key"`
	Identity jobstore.Identity `json:"identity"`
	Name     string            `json:"taskName"`
	Spec     string            `json:"cronExpression"`
	Next     time.Time         `json:"next"`
	Prev     time.Time         `json:"prev,omitempty"`
}

// Skip records a definition that refresh could not arm.
type Skip struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// RefreshReport summarizes one refresh pass.
type RefreshReport struct {
	Cancelled int           `json:"cancelled"`
	Armed     int           `json:"armed"`
	Disabled  int           `json:"disabled"`
	Skipped   []Skip        `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome is the result of one invocation attempt.
type Outcome struct {
	Key      string        `json:"key"`
	Handler  string        `json:"handler,omitempty"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Manual   bool          `json:"manual"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	err error
}

// Err returns the invocation error of a failed outcome, nil otherwise.
func (o Outcome) Err() error {
	if o.Status != StatusFailed {
		return nil
	}
	return o.err
}
