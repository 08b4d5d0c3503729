// Package model defines the data contracts shared by the sync components.
//
// Conventions:
//   - Payloads are opaque json.RawMessage values forwarded verbatim
//   - Timestamps on the wire are RFC 3339 strings; in memory they are time.Time
//   - Update IDs are uuid.UUID, assigned when an update enters the process
package model
