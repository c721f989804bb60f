package signaling

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/azure-glades/groupwatch-server/internal/config"
	"github.com/azure-glades/groupwatch-server/internal/metrics"
	"github.com/azure-glades/groupwatch-server/internal/origin"
	"github.com/azure-glades/groupwatch-server/internal/ratelimit"
	"github.com/azure-glades/groupwatch-server/internal/relay"
)

// Server upgrades HTTP requests to relay connections and runs their read
// loops. One Server fronts one Router.
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	router  *relay.Router
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	active   atomic.Int64

	// clock feeds per-connection rate limiters; tests swap in a fake.
	clock ratelimit.Clock
}

func NewServer(cfg config.Config, rt *relay.Router, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		log:     logger,
		cfg:     cfg,
		router:  rt,
		metrics: m,
		clock:   ratelimit.RealClock{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return origin.Allowed(r.Header.Get("Origin"), cfg.AllowedOrigins)
		},
	}
	return s
}

// ActiveConnections reports the number of currently admitted connections.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin rejections).
		s.log.Debug("upgrade_rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	if max := s.cfg.MaxConnections; max > 0 && s.active.Add(1) > int64(max) {
		s.active.Add(-1)
		s.metrics.Inc(metrics.DropReasonTooManyConnections)
		s.log.Warn("connection_capped", "remote", r.RemoteAddr, "max", max)
		writeClose(ws, websocket.CloseTryAgainLater, "connection limit reached")
		ws.Close()
		return
	} else if max <= 0 {
		// Uncapped deployments still track the active count for teardown
		// symmetry and the ActiveConnections gauge.
		s.active.Add(1)
	}

	id := uuid.NewString()
	s.serve(id, ws, r.RemoteAddr)
}

// serve owns the connection from admission to teardown. It runs the read loop
// on the caller's goroutine; the writer and pinger get their own.
func (s *Server) serve(id string, ws *websocket.Conn, remote string) {
	log := s.log.With("identity", id, "remote", remote)
	c := newConn(id, ws, s.cfg.SendQueueBytes, s.cfg.WSPingInterval, log)

	defer func() {
		s.router.Disconnect(id)
		c.close(0, "")
		s.active.Add(-1)
		log.Info("ws_disconnected", "queue_drops", c.queue.DropCount())
	}()

	go c.writeLoop()
	go c.pingLoop()

	s.router.Connect(id, c)
	log.Info("ws_connected")

	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	resetIdle := func() {
		ws.SetReadDeadline(s.clock.Now().Add(s.cfg.WSIdleTimeout))
	}
	resetIdle()
	ws.SetPongHandler(func(string) error {
		resetIdle()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws_closed_by_peer")
			} else if err == websocket.ErrReadLimit {
				s.metrics.Inc(metrics.DropReasonOversized)
				log.Warn("message_too_large", "limit", s.cfg.MaxMessageBytes)
				c.close(websocket.CloseMessageTooBig, "message too large")
			} else {
				log.Debug("ws_read_failed", "err", err)
			}
			return
		}
		resetIdle()

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonMalformedEvent)
			c.Send(relay.ErrorAck("bad_frame", "expected a text frame"))
			continue
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			log.Warn("rate_limited", "limit", s.cfg.MaxMessagesPerSecond)
			c.close(websocket.ClosePolicyViolation, "message rate exceeded")
			return
		}

		ev, err := relay.DecodeEvent(raw)
		if err != nil {
			// Malformed input hurts only its sender: an error ack goes back on
			// this connection and nothing reaches any other client.
			s.metrics.Inc(metrics.DropReasonMalformedEvent)
			log.Debug("malformed_event", "err", err)
			c.Send(relay.ErrorAck("bad_event", err.Error()))
			continue
		}

		s.router.HandleEvent(id, ev)
	}
}

// writeClose sends a close frame on a connection that never got a writer.
func writeClose(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
