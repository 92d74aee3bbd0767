// Package billingkit is a usage-based subscription billing toolkit for SaaS
// platforms that sell through a marketplace.
//
// The module is organized as focused packages under pkg/ composed by the
// svc/billing facade:
//
//   - pkg/ledger: versioned key-value store with atomic counters and guarded
//     increments, backed by memory, Redis or MongoDB
//   - pkg/plan: immutable plan catalog with allowances, overage rates,
//     features and gating dimensions
//   - pkg/subscription: lifecycle state machine with CAS-serialized
//     transitions and an append-only audit history
//   - pkg/metering: idempotent usage accrual, marketplace usage reporting
//     with retry and ambiguity resolution, exactly-once period rollover
//   - pkg/entitlement: fail-closed feature checks, quota evaluation and
//     atomic check-and-debit reservations
//   - pkg/webhook: HMAC-verified, deduplicated marketplace notification
//     ingestion with recorded outcomes
//   - pkg/billing: pure billing-period price calculation
//
// svc/billing wires everything on one ledger and exposes the API both as Go
// methods and as a chi HTTP router.
package billingkit
