// Package config loads and validates Conduit Core configuration.
//
// Configuration comes from three layers, later layers overriding earlier ones:
//
//  1. Hardcoded defaults (defaultConfig)
//  2. A YAML file (configs/config.yaml by default)
//  3. Environment variables (CONDUIT_SECTION_KEY)
//
// Timing-sensitive knobs (liveness timeout, sweep intervals, retry budget,
// expiry horizon, handshake grace) are deliberately independent values rather
// than being derived from each other.
package config
