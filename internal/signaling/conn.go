package signaling

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azure-glades/groupwatch-server/internal/relay"
)

const writeTimeout = 10 * time.Second

// conn couples one upgraded WebSocket with its outbound queue. The read loop
// lives in the server; conn owns everything that writes to the socket.
type conn struct {
	id    string
	ws    *websocket.Conn
	log   *slog.Logger
	queue *sendQueue

	pingInterval time.Duration
	done         chan struct{}
}

func newConn(id string, ws *websocket.Conn, queueBytes int, pingInterval time.Duration, log *slog.Logger) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		log:          log,
		queue:        newSendQueue(queueBytes),
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
}

// Send encodes msg and enqueues it without blocking. A false return means the
// frame was dropped (queue full or connection closing).
func (c *conn) Send(msg relay.Message) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		// Message is a plain struct with a RawMessage payload; this cannot
		// happen for payloads that passed DecodeEvent.
		c.log.Error("marshal_outbound", "identity", c.id, "err", err)
		return false
	}
	return c.queue.Enqueue(frame)
}

// writeLoop drains the queue onto the socket until the queue is closed. It is
// the only goroutine calling WriteMessage; pings go through WriteControl,
// which is safe to use concurrently with it.
func (c *conn) writeLoop() {
	defer close(c.done)
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("write_failed", "identity", c.id, "err", err)
			// Stop writing; the read loop notices the dead socket and tears
			// the connection down.
			c.queue.Close()
			return
		}
	}
}

func (c *conn) pingLoop() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// close stops the writer, optionally sends a close frame, and tears the
// socket down. Safe to call after writeLoop has already exited.
func (c *conn) close(code int, reason string) {
	c.queue.Close()
	if code != 0 {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	c.ws.Close()
}
