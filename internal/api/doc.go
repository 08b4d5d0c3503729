// Package api provides the REST client for the readings service.
//
// Endpoints:
//   - GET /sensors/latest?location={location}  latest readings for one location
//
// Every GET is deduplicated by full URL while in flight and retried with
// exponential backoff on transient failures. Responses are returned as raw
// JSON; the payload shape is owned by the dashboard.
package api
