package entitlement

import "errors"

var (
	ErrNoActiveSubscription = errors.New("entitlement: customer has no active subscription")
	ErrDimensionNotCovered  = errors.New("entitlement: dimension not covered by any active plan")
	ErrDimensionNotGated    = errors.New("entitlement: dimension does not gate access")
	ErrQuotaExceeded        = errors.New("entitlement: quota exceeded")
)
