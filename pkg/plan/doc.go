// Package plan defines the immutable subscription plan catalog: named tiers
// with a monthly price, per-dimension included allowances, per-dimension
// overage rates and a feature set.
//
// Plans are loaded once at startup through a Source and validated before use.
// Catalog entries are referenced by subscriptions, never owned by them, and
// are treated as immutable after loading; repricing a tier means shipping a
// new catalog, not mutating a live one.
//
// Two sources are provided: StaticSource for plans defined in code and
// FileSource for a YAML catalog managed outside the binary.
package plan
