package metering

import "errors"

var (
	ErrInvalidQuantity        = errors.New("metering: quantity must be positive")
	ErrMissingIdempotencyKey  = errors.New("metering: idempotency key is required")
	ErrSubscriptionNotActive  = errors.New("metering: subscription is not active")
	ErrDimensionNotInPlan     = errors.New("metering: dimension not covered by plan")
	ErrSubmissionFailed       = errors.New("metering: usage submission failed")
	ErrSnapshotNotFound       = errors.New("metering: period snapshot not found")
	ErrRolloverAlreadyApplied = errors.New("metering: period already rolled over")
)
