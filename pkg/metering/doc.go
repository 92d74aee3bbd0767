// Package metering accumulates per-dimension usage counters for each
// subscription billing period and reconciles them against the external
// billing-dimension reporting API.
//
// Recording is exactly-once under at-least-once callers: every report carries
// a caller-supplied idempotency key that is claimed atomically in the ledger
// before the counter increment, so a redelivered report returns the first
// outcome instead of double counting. The increment itself is a single atomic
// ledger operation; concurrent writers never lose updates.
//
// Accrued and reported totals are tracked as separate counters. A flush
// submits only the accrued-minus-reported delta and advances the reported
// counter per accepted item, which makes failed submissions retryable without
// double counting and keeps accepted quantities from being re-sent. Items use
// deterministic idempotency tokens derived from the counter window, so the
// external API deduplicates ambiguous resubmissions on its side as well.
//
// Period rollover is guarded by a compare-and-swap on a per-subscription
// period marker: exactly one caller archives the closing period's snapshot
// and opens the new one, regardless of how many request handlers cross the
// boundary simultaneously.
//
// Every applied report also lands in an append-only usage-event audit log
// (see EventStore); the Postgres implementation is the durable system of
// record for dispute resolution.
package metering
