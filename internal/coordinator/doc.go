// Package coordinator picks the live transport for a target and presents one
// update stream to consumers.
//
// Push is used only when it is preferred, available and connected; otherwise
// the poller runs. A single loop goroutine performs every switch, closing the
// old transport's gate before the new one opens, so an update is never
// delivered twice and never delivered from the inactive transport.
package coordinator
