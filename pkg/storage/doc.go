// Package storage implements the persistent document store over bbolt: one
// bucket per collection, JSON documents keyed by _id, a mongo-style filter
// matcher and a restricted aggregation pipeline evaluator.
package storage
