// Package sinks holds the progress.Sink implementations: structured logs,
// Prometheus collectors and the run-history repository.
package sinks
