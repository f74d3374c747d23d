// Package web implements the user-facing HTTP API: task submission and
// cancellation, restricted aggregation queries, node listing, token issuance
// and the unauthenticated callback endpoints authorized by callback keys.
package web
