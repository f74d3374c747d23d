// Package worker drives the scheduling pipeline of the master process. A
// single goroutine drains a capacity-1 scheduling queue and runs the tick
// sequence: reconcile, sweep task groups, schedule, pull images, create and
// start containers. A second single-flight loop reacts to data container
// callbacks by starting the application containers waiting on them.
package worker
