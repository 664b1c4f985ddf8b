package scheduler

import "time"

const (
	defaultMaxAttempts     = 5
	defaultBackoffInitial  = 30 * time.Second
	defaultBackoffMax      = 30 * time.Minute
	defaultBackoffFactor   = 2.0
	defaultLivenessTimeout = 5 * time.Minute
	defaultReapInterval    = 30 * time.Second

	// cap on how long Dequeue sleeps before re-checking the heap
	maxIdleWait = time.Minute
)
