// Package state implements the typed state machine for tasks, task groups,
// application containers and data containers: transition records, retry
// rewriting, cancellation and failure cascades, terminal-state secret
// scrubbing and notifications.
package state
