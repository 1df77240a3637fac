// Package logging provides structured logging for Conduit Core.
//
// It wraps log/slog with service-wide default fields and config-driven
// level, format, and destination selection. Components derive child loggers
// with With("component", name) so every line is attributable.
package logging
