// Package mongo establishes MongoDB connections for the ledger's Mongo
// driver and exposes a healthcheck probe.
package mongo
