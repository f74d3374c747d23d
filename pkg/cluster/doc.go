// Package cluster manages the node fleet and the container lifecycle on it:
// node discovery and capacity snapshots, container creation and startup for
// application and data containers, periodic node inspection with dead-node
// tracking, and the janitor that reconciles engine state with the document
// store.
package cluster
