package model

import (
	"time"
)

// TaskStatus represents the current status of a scrape task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// Terminal reports whether no further transition is possible from the status
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}

// Task priorities. Lower values are more urgent.
const (
	PriorityImmediate = -1 << 31
	PriorityHigh      = 0
	PriorityNormal    = 1
	PriorityLow       = 2
)

// ScrapeTask is a unit of work asking the pool to fetch the current price of a product
type ScrapeTask struct {
	ID          string     `json:"id"`
	ProductID   int64      `json:"product_id"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempt_count"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`

	// Timing fields
	CreatedAt      time.Time  `json:"created_at"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Execution details
	WorkerID string      `json:"worker_id,omitempty"`
	Result   *PricePoint `json:"result,omitempty"`
}

// TaskResult represents the outcome reported by a worker on completion
type TaskResult struct {
	TaskID      string      `json:"task_id"`
	WorkerID    string      `json:"worker_id"`
	Point       *PricePoint `json:"point,omitempty"`
	Note        string      `json:"note,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

// QueueStats counts tasks per state
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
	Retried   int `json:"retried"`
}

// Total returns the number of tracked tasks
func (s QueueStats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed + s.Canceled
}
