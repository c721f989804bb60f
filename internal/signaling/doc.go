// Package signaling is the WebSocket transport in front of the relay router.
//
// Each upgraded connection gets an opaque identity, a read loop that feeds
// validated events to the router in arrival order, and a byte-bounded outbound
// queue drained by a dedicated writer. Delivery is fire-and-forget: a slow
// reader loses messages instead of stalling the router.
package signaling
