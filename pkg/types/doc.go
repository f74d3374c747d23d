// Package types defines the persisted entities of the CC-Server data model:
// tasks, task groups, application containers, data containers, cluster nodes
// and the wire-stable state enum shared by all of them.
package types
