package onionclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthCoalescesConcurrentCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(Health{OK: true, Network: "tor"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)

	results := make(chan Health, 10)
	for i := 0; i < 10; i++ {
		go func() {
			h, err := c.Health(context.Background())
			if err != nil {
				t.Errorf("health: %v", err)
			}
			results <- h
		}()
	}
	for i := 0; i < 10; i++ {
		<-results
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 underlying call, got %d", got)
	}
}

func TestSendMapsVerbatimError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SendResponse{OK: false, Error: "no_route_target"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Send(context.Background(), SendRequest{ToDeviceID: "d1", FromDeviceID: "d2", Envelope: "abc"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestSendEmptyBodyStatus200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Send(context.Background(), SendRequest{ToDeviceID: "d1", FromDeviceID: "d2", Envelope: "abc"})
	if err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestInboxDedupWindow(t *testing.T) {
	var served int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&served, 1)
		if n == 1 {
			_ = json.NewEncoder(w).Encode(InboxResponse{OK: true, Items: []InboxItem{{ID: "x1", Ts: 1}}})
		} else {
			_ = json.NewEncoder(w).Encode(InboxResponse{OK: true, Items: []InboxItem{{ID: "x1", Ts: 1}, {ID: "x2", Ts: 2}}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	delivered := make(chan InboxItem, 10)
	sub := c.Subscribe("dev1", 0, func(item InboxItem) { delivered <- item })
	defer sub.Unsubscribe()

	seen := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case item := <-delivered:
			if seen[item.ID] {
				t.Fatalf("item %s delivered twice", item.ID)
			}
			seen[item.ID] = true
		case <-timeout:
			t.Fatal("timed out waiting for distinct inbox items")
		}
	}
}
