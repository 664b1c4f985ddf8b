package handler

import "errors"

var (
	// ErrDispatchFailure is returned when a notification could not be delivered
	ErrDispatchFailure = errors.New("dispatch failure")

	// ErrUnsupportedChannel is returned for events on a channel without a dispatcher
	ErrUnsupportedChannel = errors.New("unsupported channel")
)
