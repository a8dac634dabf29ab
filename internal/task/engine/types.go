package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// Config sizes the shared worker pool that executes job fires.
type Config struct {
	Workers   int
	QueueSize int
	// DefaultTimeout bounds a run whose Task.Timeout is 0. Zero means none.
	DefaultTimeout time.Duration
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning refuses a fire while one with the same Name is
	// queued or running.
	OverlapSkipIfRunning
)

// Task is one fire handed to the pool. Name is the overlap key.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Overlap OverlapPolicy
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is the pool state exposed to metrics and the management API.
// History is oldest first.
type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Dropped  uint64        `json:"dropped"`
	Skipped  uint64        `json:"skipped"`
	History  []HistoryItem `json:"history"`
}
