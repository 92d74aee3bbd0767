// Package subscription owns the subscription lifecycle: creation against the
// plan catalog, the pending/active/suspended/cancelled state machine, and the
// immutable transition history kept for audit.
//
// Lifecycle rules:
//
//   - create starts at pending and promotes to active once the plan is
//     validated and the customer holds no other live subscription for the
//     same product code
//   - suspend moves active to suspended and is a no-op on an already
//     suspended subscription
//   - reactivate moves suspended back to active
//   - cancel moves active or suspended to cancelled; cancelling an already
//     cancelled subscription is a state conflict, callers needing idempotent
//     cancel must check status first
//
// Every transition is applied with a compare-and-swap on the stored record,
// writes a history entry carrying the triggering event ID, and synchronously
// invalidates the cached entitlement view for the subscription.
//
// Cancelled subscriptions are archived (soft-deleted) after a retention
// window, never hard-deleted mid-period, so the period's usage remains
// billable and auditable.
package subscription
