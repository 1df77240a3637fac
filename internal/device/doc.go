// Package device implements the device registry: durable identity records
// backed by SQLite and an in-memory connection table tracking which devices
// are currently online.
//
// The registry enforces at most one live connection per device id. A second
// registration for an already-connected id supersedes the prior session
// rather than failing; the old connection is closed asynchronously. A
// periodic liveness sweep demotes devices that have gone silent.
//
// Lookups return deep copies so callers can never mutate registry state
// through a returned snapshot.
package device
