// Package pg establishes PostgreSQL connection pools for the usage-event
// audit store, applies goose migrations, and exposes a healthcheck probe.
package pg
