// Package poller implements the polling fallback.
//
// The Poller:
//   - Fetches the latest readings for one target over REST
//   - Fetches once immediately on Start, then every Interval
//   - Never runs two fetch cycles at once
//   - Keeps polling after a failed fetch; the error is logged and recorded
//   - Delivers nothing after Stop or Close returns
package poller
