package relay

import (
	"io"
	"log/slog"
	"sync"

	"github.com/azure-glades/groupwatch-server/internal/metrics"
	"github.com/azure-glades/groupwatch-server/internal/registry"
)

// Sender delivers outbound messages to one connection.
//
// Send must not block; it reports whether the message was accepted (a full or
// closed queue drops it). The relay never retries and never surfaces a
// delivery failure to the originating peer.
type Sender interface {
	Send(msg Message) bool
}

// Router fans inbound events out to the correct set of peers.
//
// It owns the identity->Sender map and shares the membership registry with
// nobody: all membership mutations flow through Connect, Disconnect and the
// join event, so the registry invariant (a member set only ever contains live
// identities) holds at every fan-out.
type Router struct {
	log     *slog.Logger
	reg     *registry.Registry
	metrics *metrics.Metrics

	mu    sync.Mutex
	peers map[string]Sender
}

func NewRouter(reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Router {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{
		log:     logger,
		reg:     reg,
		metrics: m,
		peers:   make(map[string]Sender),
	}
}

// Connect admits a new connection under id and acknowledges it with a welcome
// message carrying its identity.
func (rt *Router) Connect(id string, s Sender) {
	rt.reg.Register(id)

	rt.mu.Lock()
	rt.peers[id] = s
	rt.mu.Unlock()

	rt.metrics.Inc(metrics.ConnectionsOpened)
	rt.deliver(id, welcome(id))
}

// Disconnect drops the connection from every room and forgets its identity.
// Former room peers are deliberately not notified; clients learn of departure
// through their own application-level liveness (the original product behaves
// the same way).
func (rt *Router) Disconnect(id string) {
	rt.mu.Lock()
	delete(rt.peers, id)
	rt.mu.Unlock()

	rt.reg.Unregister(id)
	rt.metrics.Inc(metrics.ConnectionsClosed)
}

// HandleEvent processes one validated inbound event from src.
//
// Events from the same connection must be handed to HandleEvent in arrival
// order (the transport's read loop guarantees this); events from distinct
// connections may be processed concurrently.
func (rt *Router) HandleEvent(src string, ev Event) {
	switch ev.Type {
	case EventJoinRoom:
		rt.handleJoin(src, ev.Room)
	case EventSignal:
		rt.handleSignal(src, ev)
	case EventChat:
		rt.handleChat(src, ev)
	default:
		// Validate rejects unknown types before they get here; an unknown type
		// at this point is a transport bug, not a client error.
		rt.metrics.Inc(metrics.DropReasonMalformedEvent)
		rt.deliver(src, ErrorAck("unknown_event", "unknown event type"))
	}
}

// handleJoin records membership first, then notifies the existing members, so
// any member that queries room state after receiving user-joined already sees
// the joiner present.
func (rt *Router) handleJoin(src, room string) {
	rt.reg.Join(src, room)
	rt.metrics.Inc(metrics.RoomJoins)

	n := rt.broadcast(room, src, userJoined(src))
	rt.metrics.Add(metrics.PresenceNotices, uint64(n))
	rt.log.Debug("room_joined", "identity", src, "room", room, "notified", n)
}

func (rt *Router) handleSignal(src string, ev Event) {
	msg := signalFrom(src, ev.Data)

	if ev.Target != "" {
		// Point-to-point routing layered on top of room broadcast: any live
		// identity may be targeted directly, member of the stated room or not.
		if rt.deliver(ev.Target, msg) {
			rt.metrics.Inc(metrics.RelayedSignals)
		} else {
			rt.metrics.Inc(metrics.DropReasonUnknownTarget)
		}
		return
	}

	n := rt.broadcast(ev.Room, src, msg)
	rt.metrics.Add(metrics.RelayedSignals, uint64(n))
}

func (rt *Router) handleChat(src string, ev Event) {
	n := rt.broadcast(ev.Room, src, chatFrom(src, ev.Text))
	rt.metrics.Add(metrics.RelayedChats, uint64(n))
}

// broadcast sends msg to every current member of room except the excluded
// identity and returns the number of accepted deliveries. An empty or unknown
// room is a zero-recipient fan-out and completes silently.
func (rt *Router) broadcast(room, except string, msg Message) int {
	delivered := 0
	for _, id := range rt.reg.MembersOf(room) {
		if id == except {
			continue
		}
		if rt.deliver(id, msg) {
			delivered++
		}
	}
	return delivered
}

// deliver hands msg to the target's sender, if the target is still connected.
// The peers map lookup and the non-blocking Send make delivery to a
// concurrently disconnecting peer a silent no-op.
func (rt *Router) deliver(id string, msg Message) bool {
	rt.mu.Lock()
	s, ok := rt.peers[id]
	rt.mu.Unlock()
	if !ok {
		return false
	}
	if !s.Send(msg) {
		rt.metrics.Inc(metrics.DropReasonBackpressure)
		return false
	}
	return true
}
