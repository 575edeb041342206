// Package server is the optional daemon event server: it broadcasts
// payment activity to WebSocket clients and answers health and stats
// queries, so a dashboard next to the register can mirror the reader.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/lntag-agent/buildinfo"
	"github.com/dotside-studios/lntag-agent/protocol"
	"github.com/dotside-studios/lntag-agent/service"
)

// mDNS advertisement settings for dashboard auto-discovery.
const (
	MDNSServiceType = "_lntag-agent._tcp"
	MDNSDomain      = "local."
)

// CORS headers applied to every HTTP response. Dashboards are local
// web apps served from arbitrary origins.
const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "GET, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization"
)

// Config holds the event server settings.
type Config struct {
	// Port is the TCP port to listen on.
	Port int

	// APISecret, when set, is required as ?secret= on /ws upgrades.
	APISecret string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// CACert is the PEM of the local CA served on /api/v1/ca so
	// clients can trust the TLS certificate. Empty disables the route.
	CACert []byte

	// MDNS advertises the server on the local network when true.
	MDNS bool

	// Stats supplies the daemon counters for /api/v1/stats and status
	// broadcasts. Nil reports zeroes.
	Stats func() service.Stats
}

// Server owns the HTTP listener and the set of connected WebSocket
// clients. Publish may be called concurrently with client churn; the
// clients map is the only shared state and is mutex-guarded.
type Server struct {
	config Config
	log    zerolog.Logger

	httpServer *http.Server
	mdns       *zeroconf.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	upgrader websocket.Upgrader
}

// New builds an event server. Start must be called before Publish has
// anyone to talk to.
func New(cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		config:  cfg,
		log:     logger.With().Str("component", "server").Logger(),
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			// Dashboards connect from file:// and LAN origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins listening in a background goroutine and registers the
// mDNS advertisement. It returns once the listener is set up; serving
// errors after that are logged, not returned.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.routes(),
	}

	tlsOn := s.config.CertFile != "" && s.config.KeyFile != ""
	go func() {
		var err error
		if tlsOn {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("event server stopped unexpectedly")
		}
	}()

	s.log.Info().Int("port", s.config.Port).Bool("tls", tlsOn).Msg("event server listening")

	if s.config.MDNS {
		if err := s.startMDNS(); err != nil {
			// Discovery is a convenience; the server works without it.
			s.log.Warn().Err(err).Msg("mDNS registration failed, auto-discovery unavailable")
		}
	}
	return nil
}

// Stop shuts the server down gracefully: the mDNS advertisement is
// withdrawn, in-flight requests drain within ctx, and every WebSocket
// client is closed.
func (s *Server) Stop(ctx context.Context) {
	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("event server shutdown error")
		}
		s.httpServer = nil
	}

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()

	s.log.Info().Msg("event server stopped")
}

// routes builds the HTTP handler tree.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.cors(s.handleHealth))
	mux.HandleFunc("/api/v1/stats", s.cors(s.handleStats))
	mux.HandleFunc("/api/v1/ca", s.cors(s.handleCACert))
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Publish broadcasts one daemon result to every connected client,
// followed by a refreshed status snapshot.
func (s *Server) Publish(result service.PaymentResult) {
	payload := protocol.PaymentEvent{
		Outcome:  string(result.Outcome),
		TagUID:   result.TagUID,
		LNURL:    result.LNURL,
		URL:      result.URL,
		Withdraw: result.Withdraw,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}

	s.broadcast(protocol.EventTypePayment, payload)
	s.broadcast(protocol.EventTypeStatus, s.statusEvent())
}

// ClientCount reports how many WebSocket clients are connected.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// broadcast sends one event frame to all clients, dropping any whose
// write fails.
func (s *Server) broadcast(eventType string, payload any) {
	event := protocol.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		if err := conn.WriteJSON(event); err != nil {
			s.log.Debug().Err(err).Msg("dropping client after write error")
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) statusEvent() protocol.StatusEvent {
	if s.config.Stats == nil {
		return protocol.StatusEvent{}
	}
	stats := s.config.Stats()
	return protocol.StatusEvent{
		Processed:   stats.Processed,
		Claimed:     stats.Claimed,
		Skipped:     stats.Skipped,
		Failures:    stats.Failures,
		TrackedTags: stats.TrackedTags,
	}
}

// startMDNS registers the agent for LAN auto-discovery.
func (s *Server) startMDNS() error {
	txt := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
	}
	mdns, err := zeroconf.Register(buildinfo.DisplayName, MDNSServiceType, MDNSDomain, s.config.Port, txt, nil)
	if err != nil {
		return err
	}
	s.mdns = mdns
	s.log.Info().Str("service", MDNSServiceType).Msg("mDNS advertisement registered")
	return nil
}

// handleWebSocket upgrades a client connection and parks it in the
// broadcast set. Clients only listen; inbound frames are read and
// discarded to service pings and detect disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.APISecret != "" && r.URL.Query().Get("secret") != s.config.APISecret {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("websocket rejected, bad secret")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	// Greet the client with the current counters.
	conn.WriteJSON(protocol.Event{
		ID:        uuid.NewString(),
		Type:      protocol.EventTypeStatus,
		Payload:   s.statusEvent(),
		Timestamp: time.Now(),
	})

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
			s.log.Info().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, protocol.HealthResponse{
		Status:    "ok",
		Version:   buildinfo.FullVersion(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.config.Stats == nil {
		writeJSON(w, service.Stats{})
		return
	}
	writeJSON(w, s.config.Stats())
}

// handleCACert serves the local CA certificate so clients can trust
// the server's TLS certificate without an out-of-band install.
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(s.config.CACert) == 0 {
		http.Error(w, "TLS is not enabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+buildinfo.Name+`-ca.pem"`)
	w.Write(s.config.CACert)
}

// cors wraps a handler with the permissive headers dashboards need.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", corsAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
