// Package connection implements the push channel.
//
// A Client wraps one gorilla/websocket connection with a read loop and a
// ping/pong heartbeat. A Manager owns at most one Client at a time, bound to a
// single target location, and drives the lifecycle:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connecting   (unexpected close or error)
//	Reconnecting -> Failed                     (max attempts exceeded)
//	any -> Disconnected                        (explicit Disconnect)
//
// Reconnect delays double from the base delay up to the ceiling. Inbound frames
// are parsed as envelopes; malformed frames are dropped and recorded as the last
// error without affecting the connection.
package connection
