package subscription

import "errors"

var (
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrDuplicateSubscription = errors.New("customer already subscribed to this product")
	ErrInvalidPlan           = errors.New("subscription plan not found in catalog")
	ErrInvalidTransition     = errors.New("subscription state transition not permitted")
	ErrAlreadyCancelled      = errors.New("subscription already cancelled")
	ErrNotCancelled          = errors.New("subscription is not cancelled")
	ErrRetentionNotElapsed   = errors.New("cancellation retention window has not elapsed")
	ErrDowngradeNotPossible  = errors.New("target plan does not cover current usage")
	ErrFailedToLoadPlans     = errors.New("failed to load subscription plans")
)
