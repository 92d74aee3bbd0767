// Package entitlement answers access-control questions derived from
// subscription state, plan features and current-period usage.
//
// The evaluator is fail-closed: any uncertainty (missing subscription,
// storage error, unknown plan) denies access rather than granting it. Plan
// and status lookups are served from a small invalidation-driven cache so the
// per-request hot path stays off the subscription store; the subscription
// lifecycle service invalidates the cache synchronously on every transition.
package entitlement
