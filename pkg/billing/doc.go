// Package billing computes a billing period's total charge from a plan and an
// accumulated usage snapshot: base price plus tiered overage on every
// dimension whose usage exceeds the plan's included allowance.
//
// Calculate is a pure function of its inputs. It performs no I/O and reads no
// clocks, so a disputed invoice can be recomputed byte-for-byte from the
// archived period snapshot and the plan catalog in effect at the time.
//
// All money math uses decimals; totals are rounded to the currency's minor
// unit with round-half-up.
package billing
