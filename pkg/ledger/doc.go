// Package ledger provides the key-value persistence abstraction the billing
// engine builds on: point reads and writes, conditional (compare-and-swap)
// writes, atomic counter increments, claim-once writes with bounded retention,
// and prefix range queries.
//
// All mutating state in the engine (subscription records, usage accumulators,
// idempotency keys, webhook dedupe outcomes, period markers) goes through
// these primitives, never through unconditional overwrites of previously read
// copies. That discipline is what keeps concurrent request handlers from
// losing updates.
//
// Three drivers are provided:
//
//   - Memory: mutex-guarded in-process store for tests and single-node setups
//   - Redis: go-redis backed, using INCRBY, SET NX PX, WATCH transactions and
//     a Lua script for the guarded increment
//   - Mongo: mongo-driver backed, using $inc and filtered conditional updates,
//     with a TTL index for claim expiry
//
// # Usage
//
//	store := ledger.NewMemory()
//
//	// Atomic counter, safe under concurrent writers.
//	total, err := store.Increment(ctx, "usage:sub-1:2026-08:scans", 5)
//
//	// Guarded check-and-debit in a single operation.
//	_, err = store.IncrementIfBelow(ctx, "usage:sub-1:2026-08:seats", 1, 10)
//	if errors.Is(err, ledger.ErrGuardFailed) {
//		// quota exhausted
//	}
//
//	// Claim-once write for idempotency keys and dedupe records.
//	claimed, err := store.SetNX(ctx, "idem:abc", []byte("1"), time.Hour)
package ledger
