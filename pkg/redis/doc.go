// Package redis establishes Redis connections for the ledger's Redis driver
// and exposes a healthcheck probe for readiness endpoints.
package redis
