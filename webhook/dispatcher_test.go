package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDispatcherDeliverHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("accepted"))
	}))
	defer server.Close()

	d := NewDispatcher(5*time.Second, "relay-test-1")
	out := d.Deliver(context.Background(), Attempt{
		ID:            1,
		ChangeEventID: 9001,
		URL:           server.URL,
		Payload:       []byte(`{"event_type":"bookings_update"}`),
	})

	if !out.Delivered() {
		t.Fatalf("expected delivery, got %+v", out)
	}
	if out.Response != "accepted" {
		t.Fatalf("expected response body captured, got %q", out.Response)
	}
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if ua := gotHeaders.Get("User-Agent"); ua != relayUserAgent {
		t.Fatalf("unexpected user agent %q", ua)
	}
	if sender := gotHeaders.Get("X-Relay-Sender"); sender != "relay-test-1" {
		t.Fatalf("unexpected sender header %q", sender)
	}
	if eventID := gotHeaders.Get("X-Relay-Event-Id"); eventID != "9001" {
		t.Fatalf("unexpected event id header %q", eventID)
	}
	if string(gotBody) != `{"event_type":"bookings_update"}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
}

func TestDispatcherNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDispatcher(5*time.Second, "relay-test-1")
	out := d.Deliver(context.Background(), Attempt{URL: server.URL, Payload: []byte("{}")})

	if out.Delivered() {
		t.Fatal("500 response must count as failure")
	}
	if out.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", out.StatusCode)
	}
}

func TestDispatcherTransportError(t *testing.T) {
	d := NewDispatcher(time.Second, "relay-test-1")
	out := d.Deliver(context.Background(), Attempt{
		URL:     "http://127.0.0.1:1/hook",
		Payload: []byte("{}"),
	})

	if out.Delivered() {
		t.Fatal("transport error must count as failure")
	}
	if out.Err == "" {
		t.Fatal("expected transport error recorded")
	}
	if out.StatusCode != 0 {
		t.Fatalf("expected no status code, got %d", out.StatusCode)
	}
}

func TestDispatcherResponseTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := 0; i < maxResponseSize; i++ {
			w.Write([]byte("xx"))
		}
	}))
	defer server.Close()

	d := NewDispatcher(5*time.Second, "relay-test-1")
	out := d.Deliver(context.Background(), Attempt{URL: server.URL, Payload: []byte("{}")})

	if len(out.Response) != maxResponseSize {
		t.Fatalf("expected response capped at %d bytes, got %d", maxResponseSize, len(out.Response))
	}
}
