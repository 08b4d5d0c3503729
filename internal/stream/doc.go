// Package stream fans delivered updates out to in-process consumers.
//
// Topics:
//   - updates             every update
//   - updates:<location>  updates for one location
//   - invalidate          cache keys made stale by an update
//
// Consumers that fall behind lose updates rather than slowing the publisher.
package stream
