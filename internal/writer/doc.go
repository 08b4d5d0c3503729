// Package writer archives delivered readings in batches.
//
// Writes are append-only: each reading is inserted once, keyed by its update
// ID, and a duplicate insert is counted as a conflict rather than an error.
package writer
