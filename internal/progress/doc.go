// Package progress carries task attempt events from workers to sinks. Workers
// emit through a non-blocking Hub which batches events and hands them to the
// log, metrics and run-history sinks.
package progress
