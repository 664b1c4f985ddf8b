package series

import "errors"

var (
	// ErrOutOfOrder is returned when a point is older than the latest point of the product
	ErrOutOfOrder = errors.New("out-of-order write")

	// ErrDuplicateTimestamp is returned when a point repeats the latest timestamp of the product
	ErrDuplicateTimestamp = errors.New("duplicate timestamp")

	// ErrInvalidPoint is returned for points without a timestamp or with a negative price
	ErrInvalidPoint = errors.New("invalid price point")
)
