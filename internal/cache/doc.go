// Package cache provides the tiered read cache in front of the device
// store. Three tiers with independent TTLs serve the hot API paths:
//
//	status  - device online/offline, short TTL
//	detail  - full device records, medium TTL
//	list    - filtered id lists, medium TTL
//
// Concurrent misses for the same key are collapsed into a single backend
// load. Device mutations call Invalidate, which evicts the device from
// the status and detail tiers and clears the list tier wholesale, so a
// read after a write never observes the pre-write value.
package cache
