// Unit tests for the lab metrics HTTP server
//
// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"furnace-lab/pkg/config"
	"furnace-lab/pkg/record"
)

func newTestServer(cfg ServerConfig) (*Server, *LabMetrics, *Hub) {
	lab := NewLabMetrics()
	hub := NewHub()
	status := func() any { return map[string]any{"state": "running", "step": 2} }
	return NewServer(lab, hub, status, cfg), lab, hub
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServerConfigFrom(t *testing.T) {
	cfg := ServerConfigFrom(config.MetricsConfig{Listen: "127.0.0.1:9200", Username: "lab", Password: "pw"})
	if cfg.Address != "127.0.0.1:9200" || cfg.Username != "lab" || cfg.Password != "pw" {
		t.Errorf("ServerConfigFrom() = %+v", cfg)
	}
	if cfg := ServerConfigFrom(config.MetricsConfig{}); cfg.Address != ":9100" {
		t.Errorf("default address = %q, want :9100", cfg.Address)
	}
}

func TestHandleMetrics(t *testing.T) {
	s, lab, _ := newTestServer(DefaultServerConfig())
	lab.StepCompleted()

	w := serve(s, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "lab_steps_completed_total 1") {
		t.Errorf("body missing counter:\n%s", w.Body.String())
	}
}

func TestHandleMetricsHead(t *testing.T) {
	s, _, _ := newTestServer(DefaultServerConfig())
	w := serve(s, http.MethodHead, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Error("HEAD should not write a body")
	}
	if w.Header().Get("Content-Length") == "" {
		t.Error("HEAD should set Content-Length")
	}
}

func TestHandleMetricsMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(DefaultServerConfig())
	if w := serve(s, http.MethodPost, "/metrics"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	s, _, _ := newTestServer(DefaultServerConfig())
	if w := serve(s, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
	if w := serve(s, http.MethodGet, "/ready"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready before Serve = %d, want 503", w.Code)
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	if w := serve(s, http.MethodGet, "/ready"); w.Code != http.StatusOK {
		t.Errorf("ready while running = %d, want 200", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	s, lab, _ := newTestServer(DefaultServerConfig())
	r := record.NewReading(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), 2, 4)
	r.Furnace.Indicated = 612.5
	lab.Observe(r, time.Second)

	w := serve(s, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Server map[string]any `json:"server"`
		Run    map[string]any `json:"run"`
		Last   map[string]any `json:"last_reading"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, w.Body.String())
	}
	if body.Run["state"] != "running" {
		t.Errorf("run state = %v", body.Run["state"])
	}
	if body.Last["indicated"] != 612.5 {
		t.Errorf("last indicated = %v, want 612.5", body.Last["indicated"])
	}
	if body.Last["voltage"] != nil {
		t.Errorf("unread voltage should be null, got %v", body.Last["voltage"])
	}
}

func TestHandleRoot(t *testing.T) {
	s, _, _ := newTestServer(DefaultServerConfig())
	w := serve(s, http.MethodGet, "/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/metrics") {
		t.Errorf("root page: %d %s", w.Code, w.Body.String())
	}
	if w := serve(s, http.MethodGet, "/unknown"); w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", w.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Username, cfg.Password = "lab", "secret"
	s, _, _ := newTestServer(cfg)

	for _, path := range []string{"/metrics", "/status", "/live"} {
		if w := serve(s, http.MethodGet, path); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without credentials = %d, want 401", path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("lab", "wrong")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("lab", "secret")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid credentials = %d, want 200", w.Code)
	}

	// Probes stay open so supervisors need no credentials.
	if w := serve(s, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Errorf("health with auth configured = %d, want 200", w.Code)
	}
}

func TestServeAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s, _, _ := newTestServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Address() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	http.DefaultClient.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if s.IsRunning() {
		t.Error("server should not be running after shutdown")
	}
}

func TestLiveStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, lab, hub := newTestServer(DefaultServerConfig())
	hub.SetGreeting(func() (Event, bool) {
		last, ok := lab.Last()
		return Event{Type: "reading", Time: time.Now(), Data: last}, ok
	})
	lab.Observe(record.NewReading(time.Now(), 1, 1), time.Second)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if ev["type"] != "reading" {
		t.Errorf("greeting type = %v, want reading", ev["type"])
	}

	hub.Publish("step_started", map[string]int{"step": 2})
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev["type"] != "step_started" {
		t.Errorf("event type = %v, want step_started", ev["type"])
	}
	if hub.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", hub.Clients())
	}

	hub.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close after hub.Close")
	}
}

func TestLiveSlowClientDrops(t *testing.T) {
	c := &liveClient{sendCh: make(chan Event, 1), done: make(chan struct{})}
	if !c.send(Event{Type: "a"}) {
		t.Fatal("first send should fit the buffer")
	}
	if c.send(Event{Type: "b"}) {
		t.Error("send to a full buffer should report a drop")
	}
}
