// Package api serves a live view of a running simulation: a WebSocket feed
// of ring updates and a JSON snapshot of the overlay.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zde37/overlay/internal/network"
	"github.com/zde37/overlay/pkg"
)

// Server is the HTTP server of the live view.
type Server struct {
	httpServer *http.Server
	wsHub      *WebSocketHub
	net        *network.Network
	logger     *pkg.Logger
}

// RingResponse is the body of /api/ring.
type RingResponse struct {
	Protocol   string             `json:"protocol"`
	Elapsed    uint64             `json:"elapsed"`
	Consistent bool               `json:"consistent"`
	Problem    string             `json:"problem,omitempty"`
	Nodes      []network.NodeView `json:"nodes"`
}

// NewServer creates a server for net. The hub has to be handed to the
// network as its broadcaster to receive updates.
func NewServer(net *network.Network, hub *WebSocketHub, logger *pkg.Logger) (*Server, error) {
	if net == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if hub == nil {
		return nil, fmt.Errorf("websocket hub cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		wsHub:  hub,
		net:    net,
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
	}, nil
}

// Handler returns the routes of the server and starts the hub.
func (s *Server) Handler() http.Handler {
	s.wsHub.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	mux.Handle("/api/ring", corsMiddleware(http.HandlerFunc(s.ringHandler)))
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) ringHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := RingResponse{
		Protocol:   s.net.Protocol(),
		Elapsed:    s.net.Elapsed(),
		Consistent: true,
		Nodes:      s.net.RingSnapshot(),
	}
	if err := s.net.CheckRing(); err != nil {
		resp.Consistent = false
		resp.Problem = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write ring snapshot")
	}
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
