// Package relay routes signaling events between connected clients.
//
// The Router consumes decoded inbound events from a connection, consults the
// membership registry, and fans each resulting message out to the right set of
// peers. Payloads are never inspected beyond the routing envelope (room,
// optional direct target); delivery is fire-and-forget and best-effort.
package relay
