// Package database provides the SQLite-backed durable store for Conduit Core.
//
// It wraps database/sql with WAL-mode configuration, embedded schema
// migrations, health checks, and lifecycle management. SQLite is configured
// with a single-connection pool because it supports only one writer; the
// in-memory registry and caches absorb the read load.
//
// The store is intentionally narrow: repositories in internal/device and
// internal/message own their SQL and treat this package purely as a managed
// connection with migrations.
package database
