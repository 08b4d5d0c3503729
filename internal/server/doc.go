// Package server exposes the sync agent to a local dashboard.
//
// Endpoints:
//   - GET  /health   agent, version and archive health
//   - GET  /status   current sync status
//   - POST /refresh  force fresh data
//   - GET  /ws       live update stream (websocket)
//
// Websocket clients receive JSON frames of type "status", "update", "ack" and
// "error". They may send {"action":"refresh"} or
// {"action":"subscribe","location":"..."}.
package server
