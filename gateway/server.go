package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/change"
	"github.com/slotline/relay/notify"
	"github.com/slotline/relay/registry"
	"github.com/slotline/relay/telemetry"
)

// Config controls per-connection gateway behavior.
type Config struct {
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
}

// Server upgrades dashboard clients to websocket and fans change events out
// to their subscribed resources.
type Server struct {
	registry *registry.Registry
	hub      *notify.Hub
	config   Config

	upgrader websocket.Upgrader
	conns    *xsync.MapOf[uint64, *conn]
	nextID   atomic.Uint64
}

func NewServer(reg *registry.Registry, hub *notify.Hub, config Config) *Server {
	return &Server{
		registry: reg,
		hub:      hub,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients carry dashboard session auth; the
			// gateway itself is origin-agnostic behind the proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: xsync.NewMapOf[uint64, *conn](),
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c := newConn(s.nextID.Add(1), ws, s)
	s.conns.Store(c.id, c)
	telemetry.GatewayConnections.Inc()
	log.Debug().Uint64("conn_id", c.id).Str("remote", r.RemoteAddr).Msg("Client connected")

	go c.writePump()
	c.send(ServerMessage{Type: MessageConnected})
	c.readLoop()
}

// Run consumes the notification hub and pushes events until ctx is
// cancelled. It never blocks on a client: slow connections are dropped by
// their own outbox.
func (s *Server) Run(ctx context.Context) {
	events, cancel := s.hub.Subscribe(notify.Filter{})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.push(ev)
		}
	}
}

func (s *Server) push(ev change.Event) {
	msg := ServerMessage{
		Type:          ev.Type(),
		ResourceKey:   ev.ResourceKey,
		ChangeEventID: ev.ID,
		Timestamp:     ev.Time().UTC().Format(time.RFC3339),
		Payload:       ev.After,
	}

	for _, connID := range s.registry.MatchingConnections(ev.ResourceKey) {
		c, ok := s.conns.Load(connID)
		if !ok {
			continue
		}
		if c.send(msg) {
			telemetry.GatewayPushesTotal.With("sent").Inc()
		} else {
			telemetry.GatewayPushesTotal.With("dropped").Inc()
		}
	}
}

// NotifyGap tells every connected client that feed continuity was lost and
// local state must be refetched.
func (s *Server) NotifyGap() {
	log.Warn().Msg("Advising all clients to resync after feed gap")
	s.conns.Range(func(_ uint64, c *conn) bool {
		c.send(ServerMessage{Type: MessageResync})
		return true
	})
}

func (s *Server) closeAll() {
	s.conns.Range(func(_ uint64, c *conn) bool {
		c.close()
		return true
	})
}

// forget drops the server's reference to a closed connection.
func (s *Server) forget(id uint64) {
	s.conns.Delete(id)
}

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Size()
}
