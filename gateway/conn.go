package gateway

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/registry"
	"github.com/slotline/relay/telemetry"
)

// Connection states
const (
	stateOpen uint32 = iota
	stateClosing
	stateClosed
)

const pingFraction = 3

// conn is one websocket client. Frames to the client go through the outbox
// so the fan-out loop never blocks on a slow socket; a full outbox closes
// the connection and the client reconciles on reconnect.
type conn struct {
	id       uint64
	ws       *websocket.Conn
	server   *Server
	registry *registry.Registry

	outbox chan ServerMessage
	state  atomic.Uint32
	done   chan struct{}
}

func newConn(id uint64, ws *websocket.Conn, server *Server) *conn {
	return &conn{
		id:       id,
		ws:       ws,
		server:   server,
		registry: server.registry,
		outbox:   make(chan ServerMessage, server.config.SendBufferSize),
		done:     make(chan struct{}),
	}
}

// send queues a frame without blocking. A client that cannot drain its
// outbox is disconnected rather than allowed to stall the fan-out loop.
func (c *conn) send(msg ServerMessage) bool {
	select {
	case c.outbox <- msg:
		return true
	default:
		log.Warn().
			Uint64("conn_id", c.id).
			Str("type", msg.Type).
			Msg("Client send buffer full, disconnecting")
		c.close()
		return false
	}
}

func (c *conn) close() {
	if !c.state.CompareAndSwap(stateOpen, stateClosing) {
		return
	}
	close(c.done)
}

func (c *conn) readLoop() {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(c.server.config.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.server.config.IdleTimeout))
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Uint64("conn_id", c.id).Msg("Client connection lost")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.server.config.IdleTimeout))
		c.handle(msg)
	}
}

func (c *conn) handle(msg ClientMessage) {
	switch msg.Type {
	case MessageSubscribe:
		if msg.ResourceKey == "" {
			c.reject("subscribe requires a resource_key")
			return
		}
		if c.state.Load() != stateOpen {
			return
		}
		if c.registry.Subscribe(c.id, msg.ResourceKey) {
			telemetry.GatewaySubscriptions.Inc()
			// Teardown marks the connection closed before sweeping the
			// registry. Seeing open here means the sweep has not run yet
			// and will collect this entry; otherwise undo it ourselves.
			if c.state.Load() != stateOpen {
				if c.registry.Unsubscribe(c.id, msg.ResourceKey) {
					telemetry.GatewaySubscriptions.Dec()
				}
				return
			}
		}
		c.send(ServerMessage{Type: MessageSubscribed, ResourceKey: msg.ResourceKey})

	case MessageUnsubscribe:
		if msg.ResourceKey == "" {
			c.reject("unsubscribe requires a resource_key")
			return
		}
		if c.registry.Unsubscribe(c.id, msg.ResourceKey) {
			telemetry.GatewaySubscriptions.Dec()
		}
		c.send(ServerMessage{Type: MessageUnsubscribed, ResourceKey: msg.ResourceKey})

	default:
		c.reject("unknown message type")
	}
}

// reject reports a malformed client message without dropping the connection.
func (c *conn) reject(reason string) {
	telemetry.GatewayMalformedTotal.Inc()
	log.Debug().Uint64("conn_id", c.id).Str("reason", reason).Msg("Rejected client message")
	c.send(ServerMessage{Type: MessageError, Message: reason})
}

func (c *conn) writePump() {
	pingInterval := c.server.config.IdleTimeout / pingFraction
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.teardown()

	for {
		select {
		case msg := <-c.outbox:
			startTime := time.Now()
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				telemetry.GatewayPushesTotal.With("failed").Inc()
				log.Debug().Err(err).Uint64("conn_id", c.id).Msg("Client write failed")
				return
			}
			telemetry.GatewayPushSeconds.Observe(time.Since(startTime).Seconds())

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// teardown removes the connection's registry entries before the socket
// closes, so no event published after this point can target it.
func (c *conn) teardown() {
	c.close()
	c.state.Store(stateClosed)

	removed := c.registry.RemoveConnection(c.id)
	telemetry.GatewaySubscriptions.Sub(float64(removed))
	c.server.forget(c.id)
	telemetry.GatewayConnections.Dec()

	c.ws.Close()
	log.Debug().Uint64("conn_id", c.id).Int("subscriptions", removed).Msg("Client disconnected")
}
