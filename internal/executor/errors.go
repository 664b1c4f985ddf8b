package executor

import "errors"

var (
	// ErrPoolSaturated is returned when every fetch slot is in use
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolRunning is returned when Start is called twice
	ErrPoolRunning = errors.New("worker pool already running")
)
