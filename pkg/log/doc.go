// Package log wraps zerolog with the process-wide logger used by all
// CC-Server binaries plus the Tee abstraction that mirrors human-readable
// lines onto the log bus.
package log
