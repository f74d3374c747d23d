// Package metrics exposes prometheus collectors for the master process.
package metrics
