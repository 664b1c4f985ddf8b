package service

import "errors"

var (
	// ErrArchiveDisabled is returned by history queries when no archive is configured
	ErrArchiveDisabled = errors.New("archive disabled")

	// ErrNotStarted is returned when the pipeline is stopped before it was started
	ErrNotStarted = errors.New("pipeline not started")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("pipeline already started")
)
