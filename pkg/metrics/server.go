// HTTP server for lab metrics and live readings
//
// Serves /metrics for Prometheus, /status as JSON, and /live as a
// websocket stream of readings. Optional basic authentication covers
// everything except the health and readiness probes.
//
// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"furnace-lab/pkg/config"
)

// StatusFunc returns the run status served on /status.
type StatusFunc func() any

// Server serves lab metrics over HTTP
type Server struct {
	lab    *LabMetrics
	hub    *Hub
	status StatusFunc
	server *http.Server
	mux    *http.ServeMux

	// Optional basic auth
	username string
	password string

	mu        sync.RWMutex
	running   bool
	addr      string
	startTime time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	// Address to listen on (e.g., ":9100" or "127.0.0.1:9100")
	Address string

	// Optional basic auth credentials
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:     ":9100",
		ReadTimeout: 10 * time.Second,
	}
}

// ServerConfigFrom converts the [metrics] section of the lab config.
func ServerConfigFrom(c config.MetricsConfig) ServerConfig {
	cfg := DefaultServerConfig()
	if c.Listen != "" {
		cfg.Address = c.Listen
	}
	cfg.Username = c.Username
	cfg.Password = c.Password
	return cfg
}

// NewServer creates a server. hub and status may be nil.
func NewServer(lab *LabMetrics, hub *Hub, status StatusFunc, cfg ServerConfig) *Server {
	s := &Server{
		lab:      lab,
		hub:      hub,
		status:   status,
		addr:     cfg.Address,
		mux:      http.NewServeMux(),
		username: cfg.Username,
		password: cfg.Password,
	}

	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/live", s.handleLive)
	s.mux.HandleFunc("/", s.handleRoot)

	// No write timeout: /live connections are long-lived and set their
	// own deadlines.
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the server's request multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.addr = ln.Addr().String()
	s.startTime = time.Now()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.setStopped()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := s.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

// Shutdown gracefully shuts down the server and disconnects live clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.setStopped()
	if s.hub != nil {
		s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the listen address, resolved once serving.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	output := s.lab.Gather()
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.IsRunning() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready\n"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
	}
}

type statusResponse struct {
	Server any `json:"server"`
	Run    any `json:"run,omitempty"`
	Last   any `json:"last_reading,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	resp := statusResponse{Server: s.GetStatus()}
	if s.status != nil {
		resp.Run = s.status()
	}
	if last, ok := s.lab.Last(); ok {
		resp.Last = last
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	if s.hub == nil {
		http.NotFound(w, r)
		return
	}
	s.hub.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!DOCTYPE html>
<html>
<head>
<title>Furnace Lab</title>
<style>
body { font-family: sans-serif; margin: 40px; }
a { color: #0066cc; }
.endpoint { margin: 10px 0; }
</style>
</head>
<body>
<h1>Furnace Lab</h1>
<div class="endpoint"><a href="/metrics">/metrics</a> - Prometheus metrics</div>
<div class="endpoint"><a href="/status">/status</a> - Run status</div>
<div class="endpoint">/live - Websocket stream of readings</div>
<div class="endpoint"><a href="/health">/health</a> - Health check</div>
<div class="endpoint"><a href="/ready">/ready</a> - Readiness check</div>
</body>
</html>`
	_, _ = w.Write([]byte(html))
}

// checkAuth verifies basic auth if configured
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		s.unauthorized(w)
		return false
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	if !usernameMatch || !passwordMatch {
		s.unauthorized(w)
		return false
	}
	return true
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Furnace Lab"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// GetStatus returns server status for diagnostics
func (s *Server) GetStatus() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]any{
		"address": s.addr,
		"running": s.running,
	}
	if s.running {
		status["uptime"] = time.Since(s.startTime).Seconds()
	}
	if s.hub != nil {
		status["live_clients"] = s.hub.Clients()
	}
	return status
}
