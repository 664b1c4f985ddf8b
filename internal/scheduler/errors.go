package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExhausted is recorded when a task has used all of its attempts
	ErrTaskExhausted = errors.New("task exhausted")

	// ErrTaskCancelled is returned when a task is cancelled
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrTaskTerminal is returned when an operation needs a non-terminal task
	ErrTaskTerminal = errors.New("task already in terminal state")

	// ErrStaleLease is returned when a worker reports on a task it no longer holds
	ErrStaleLease = errors.New("stale task lease")

	// ErrQueueClosed is returned by Dequeue after Close
	ErrQueueClosed = errors.New("task queue closed")

	// ErrInvalidProduct is returned for non-positive product ids
	ErrInvalidProduct = errors.New("invalid product id")
)
