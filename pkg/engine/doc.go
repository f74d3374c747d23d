// Package engine adapts the docker API for the master process. It keeps one
// client per cluster node, bounds concurrent API calls with a process-wide
// semaphore and exposes the small set of container operations the scheduler,
// worker and janitor need. The adapter never touches the document store.
package engine
