// Package dedup coalesces concurrent identical requests.
//
// A Group keeps one in-flight call per key:
//   - callers arriving while a call for the key is pending share its result
//   - the entry is purged when the call settles, success or failure
//   - a later call with the same key fetches again
//
// It is not a cache; it only suppresses duplicate concurrent work.
package dedup
