package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Workers:        2,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffCeiling: 10 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		BatchSize:      16,
	}
}

func waitForStatus(t *testing.T, store *Store, id uint64, status string) Attempt {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetAttempt(id)
		if err != nil {
			t.Fatalf("GetAttempt failed: %v", err)
		}
		if got.Status == status {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := store.GetAttempt(id)
	t.Fatalf("attempt %d never reached status %s, last state %+v", id, status, got)
	return Attempt{}
}

func TestCoordinatorRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not yet", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := testStore(t)
	gen := testGenerator()
	attempt := testAttempt(gen, 1, "cal-1")
	attempt.URL = server.URL
	if _, err := store.CreateAttempts([]Attempt{attempt}); err != nil {
		t.Fatalf("CreateAttempts failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	coordinator := NewCoordinator(store, NewDispatcher(time.Second, "test"), gen, testCoordinatorConfig())
	coordinator.Start(ctx)

	got := waitForStatus(t, store, attempt.ID, StatusSent)
	cancel()
	coordinator.Wait()

	if got.Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", got.Attempts)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 HTTP calls, got %d", n)
	}
}

func TestCoordinatorExhaustsToFailed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "always broken", http.StatusBadGateway)
	}))
	defer server.Close()

	store := testStore(t)
	gen := testGenerator()
	attempt := testAttempt(gen, 1, "cal-1")
	attempt.URL = server.URL
	if _, err := store.CreateAttempts([]Attempt{attempt}); err != nil {
		t.Fatalf("CreateAttempts failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	coordinator := NewCoordinator(store, NewDispatcher(time.Second, "test"), gen, testCoordinatorConfig())
	coordinator.Start(ctx)

	got := waitForStatus(t, store, attempt.ID, StatusFailed)
	cancel()
	coordinator.Wait()

	if got.Attempts != 3 {
		t.Fatalf("expected maximum of 3 attempts, got %d", got.Attempts)
	}
	if got.LastStatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 recorded, got %d", got.LastStatusCode)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected exactly 3 HTTP calls, got %d", n)
	}
}

func TestCoordinatorResendRedelivers(t *testing.T) {
	var healthy atomic.Bool
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := testStore(t)
	gen := testGenerator()
	attempt := testAttempt(gen, 1, "cal-1")
	attempt.URL = server.URL
	if _, err := store.CreateAttempts([]Attempt{attempt}); err != nil {
		t.Fatalf("CreateAttempts failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	coordinator := NewCoordinator(store, NewDispatcher(time.Second, "test"), gen, testCoordinatorConfig())
	coordinator.Start(ctx)
	defer func() {
		cancel()
		coordinator.Wait()
	}()

	waitForStatus(t, store, attempt.ID, StatusFailed)

	// Endpoint recovers; operator triggers a manual resend.
	healthy.Store(true)
	affected, err := coordinator.ResendByResource("cal-1", "ops@slotline")
	if err != nil {
		t.Fatalf("ResendByResource failed: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 attempt reset, got %d", affected)
	}

	got := waitForStatus(t, store, attempt.ID, StatusSent)
	if got.Attempts != 1 {
		t.Fatalf("reset should restart the attempt counter, got %d", got.Attempts)
	}

	audits, err := store.ListResendAudits(10)
	if err != nil {
		t.Fatalf("ListResendAudits failed: %v", err)
	}
	if len(audits) != 1 || audits[0].Actor != "ops@slotline" || audits[0].Affected != 1 {
		t.Fatalf("unexpected audit trail: %+v", audits)
	}
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	c := NewCoordinator(nil, nil, nil, CoordinatorConfig{
		BackoffBase:    time.Second,
		BackoffCeiling: 5 * time.Minute,
	})

	cases := []struct {
		completed int
		want      time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := c.backoffFor(tc.completed); got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.completed, got, tc.want)
		}
	}
}
