package client

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/slotline/relay/change"
	"github.com/slotline/relay/gateway"
	"github.com/slotline/relay/notify"
	"github.com/slotline/relay/registry"
)

type testGatewayServer struct {
	hub      *notify.Hub
	registry *registry.Registry
	server   *http.Server
	cancel   context.CancelFunc
}

// startGateway runs a gateway on addr ("" picks a free port) and returns the
// server plus the address actually bound.
func startGateway(t *testing.T, addr string) (*testGatewayServer, string) {
	t.Helper()

	reg := registry.New()
	hub := notify.NewHub()
	gw := gateway.NewServer(reg, hub, gateway.Config{
		IdleTimeout:    30 * time.Second,
		WriteTimeout:   time.Second,
		SendBufferSize: 16,
	})

	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)

	server := &http.Server{Handler: gw}
	go server.Serve(listener)

	tgs := &testGatewayServer{hub: hub, registry: reg, server: server, cancel: cancel}
	t.Cleanup(func() { tgs.stop() })
	return tgs, listener.Addr().String()
}

func (s *testGatewayServer) stop() {
	s.cancel()
	s.server.Close()
}

func testClient(t *testing.T, addr string) *Client {
	t.Helper()
	c := New(Config{
		URL:              "ws://" + addr,
		HandshakeTimeout: time.Second,
		BackoffBase:      10 * time.Millisecond,
		BackoffCeiling:   100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func waitForPairs(t *testing.T, reg *registry.Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Size() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry never reached %d pairs, have %d", n, reg.Size())
}

func readNotice(t *testing.T, c *Client) Notice {
	t.Helper()
	select {
	case n := <-c.Notices():
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notice")
		return Notice{}
	}
}

func TestClientReceivesSubscribedEvents(t *testing.T) {
	gw, addr := startGateway(t, "")
	c := testClient(t, addr)

	c.Subscribe("cal-1")
	waitForPairs(t, gw.registry, 1)

	gw.hub.Publish(change.Event{
		ID:          7,
		Table:       "bookings",
		Operation:   change.OpUpdate,
		ResourceKey: "cal-1",
		After:       map[string]interface{}{"status": "confirmed"},
		OccurredAt:  time.Now().UnixMilli(),
	})

	n := readNotice(t, c)
	if n.Kind != NoticeEvent {
		t.Fatalf("expected event notice, got %+v", n)
	}
	if n.EventType != "bookings_update" || n.ResourceKey != "cal-1" || n.ChangeEventID != 7 {
		t.Fatalf("unexpected notice: %+v", n)
	}
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	gw, addr := startGateway(t, "")
	c := testClient(t, addr)

	c.Subscribe("cal-1")
	waitForPairs(t, gw.registry, 1)

	// Gateway restart on the same address.
	gw.stop()
	gw2, _ := startGateway(t, addr)
	waitForPairs(t, gw2.registry, 1)

	// The client announces the reconnect so consumers refetch.
	n := readNotice(t, c)
	if n.Kind != NoticeReconnected {
		t.Fatalf("expected reconnected notice, got %+v", n)
	}

	// The replayed subscription is live on the new server.
	gw2.hub.Publish(change.Event{
		ID:          8,
		Table:       "bookings",
		Operation:   change.OpUpdate,
		ResourceKey: "cal-1",
		OccurredAt:  time.Now().UnixMilli(),
	})
	n = readNotice(t, c)
	if n.Kind != NoticeEvent || n.ChangeEventID != 8 {
		t.Fatalf("expected event after reconnect, got %+v", n)
	}
}

func TestClientResyncNotice(t *testing.T) {
	gw, addr := startGateway(t, "")
	c := testClient(t, addr)

	c.Subscribe("cal-1")
	waitForPairs(t, gw.registry, 1)

	// Reach into the gateway the way the feed gap callback does.
	gw.hub.Publish(change.Event{ID: 1, Table: "bookings", ResourceKey: "cal-1", OccurredAt: time.Now().UnixMilli()})
	readNotice(t, c) // the event itself

	gwServerNotifyGap(gw)
	n := readNotice(t, c)
	if n.Kind != NoticeResync {
		t.Fatalf("expected resync notice, got %+v", n)
	}
}

// gwServerNotifyGap triggers the gap advisory on the underlying gateway.
func gwServerNotifyGap(s *testGatewayServer) {
	// The handler is the gateway server itself.
	s.server.Handler.(*gateway.Server).NotifyGap()
}
