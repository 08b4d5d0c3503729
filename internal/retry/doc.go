// Package retry implements the deterministic exponential backoff policy used by
// every outbound call and by push-channel reconnection.
//
// Delays double from BaseDelay and flatten at MaxDelay. There is no jitter:
// identical inputs always produce identical delays.
package retry
