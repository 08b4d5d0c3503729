// Package fault classifies raw failures into typed errors.
//
// Every failure that crosses the REST or push boundary is mapped to a Kind:
//   - Network, Timeout, APIServer: transient, retried with backoff
//   - Authentication, Permission, NotFound, APIClient: surfaced immediately
//   - MessageParse: contained locally, the frame is dropped
//   - Unknown: everything else, never retried
//
// Each classified error carries a Severity tier and a UserMessage that is safe
// to show in the dashboard (no status codes or error identifiers).
package fault
