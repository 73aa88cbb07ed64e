// Package websocket pushes key lifecycle events to connected dashboards.
//
// The Hub owns the client set and is the only goroutine that closes a
// client's send channel. Publishing never blocks: when the broadcast queue
// is full the event is dropped and counted. Clients are read-only
// observers; anything they send apart from heartbeats is ignored.
package websocket
