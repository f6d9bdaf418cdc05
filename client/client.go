// Package client provides a reconnecting gateway client and the cache
// reconciler used by in-process dashboard consumers.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/gateway"
)

// Notice kinds emitted by the client.
const (
	NoticeEvent = iota
	NoticeResync
	NoticeReconnected
)

// Notice is one observation from the gateway stream. NoticeResync and
// NoticeReconnected both mean local state may have diverged and must be
// refetched wholesale.
type Notice struct {
	Kind          int
	ResourceKey   string
	EventType     string
	ChangeEventID uint64
	Payload       map[string]interface{}
}

// Config controls connection and retry behavior.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffCeiling   time.Duration
	NoticeBuffer     int
}

// Client maintains a websocket connection to the gateway, resubscribing its
// resource set after every reconnect.
type Client struct {
	config Config

	mu            sync.Mutex
	subscriptions map[string]struct{}
	ws            *websocket.Conn

	notices chan Notice
}

func New(config Config) *Client {
	if config.NoticeBuffer <= 0 {
		config.NoticeBuffer = 64
	}
	return &Client{
		config:        config,
		subscriptions: make(map[string]struct{}),
		notices:       make(chan Notice, config.NoticeBuffer),
	}
}

// Notices returns the stream of observations. The channel is never closed;
// consumers stop via their own context.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

// Subscribe registers interest in a resource. Safe to call before Run; the
// key is replayed on every (re)connect.
func (c *Client) Subscribe(resourceKey string) {
	c.mu.Lock()
	c.subscriptions[resourceKey] = struct{}{}
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		c.write(ws, gateway.ClientMessage{Type: gateway.MessageSubscribe, ResourceKey: resourceKey})
	}
}

// Unsubscribe removes interest in a resource.
func (c *Client) Unsubscribe(resourceKey string) {
	c.mu.Lock()
	delete(c.subscriptions, resourceKey)
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		c.write(ws, gateway.ClientMessage{Type: gateway.MessageUnsubscribe, ResourceKey: resourceKey})
	}
}

func (c *Client) write(ws *websocket.Conn, msg gateway.ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ws.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Msg("Gateway write failed, awaiting reconnect")
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff. Every successful reconnect after the first emits
// NoticeReconnected so consumers refetch state missed while offline.
func (c *Client) Run(ctx context.Context) {
	backoff := c.config.BackoffBase
	connects := 0

	for ctx.Err() == nil {
		ws, err := c.dial(ctx)
		if err != nil {
			log.Debug().Err(err).Str("url", c.config.URL).Msg("Gateway dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.BackoffCeiling {
				backoff = c.config.BackoffCeiling
			}
			continue
		}

		backoff = c.config.BackoffBase
		connects++
		if connects > 1 {
			c.emit(Notice{Kind: NoticeReconnected})
		}

		c.readUntilClosed(ctx, ws)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ws = ws
	keys := make([]string, 0, len(c.subscriptions))
	for key := range c.subscriptions {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.write(ws, gateway.ClientMessage{Type: gateway.MessageSubscribe, ResourceKey: key})
	}
	return ws, nil
}

func (c *Client) readUntilClosed(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	// Unblock ReadJSON when the context ends.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var msg gateway.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case gateway.MessageConnected, gateway.MessageSubscribed, gateway.MessageUnsubscribed:
			// Acks carry no state.
		case gateway.MessageResync:
			c.emit(Notice{Kind: NoticeResync})
		case gateway.MessageError:
			log.Warn().Str("message", msg.Message).Msg("Gateway rejected a client message")
		default:
			c.emit(Notice{
				Kind:          NoticeEvent,
				ResourceKey:   msg.ResourceKey,
				EventType:     msg.Type,
				ChangeEventID: msg.ChangeEventID,
				Payload:       msg.Payload,
			})
		}
	}
}

// emit queues a notice without blocking. A consumer that stops draining
// degrades to coarse reconciliation rather than stalling the read loop.
func (c *Client) emit(n Notice) {
	select {
	case c.notices <- n:
	default:
		// Replace whatever is oldest with a resync marker so the
		// consumer knows fine-grained notices were lost.
		select {
		case <-c.notices:
		default:
		}
		select {
		case c.notices <- Notice{Kind: NoticeResync}:
		default:
		}
	}
}
