// Package server exposes the monitor's view over HTTP: a JSON snapshot,
// a websocket stream of updates, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ligun0805/jar-burn/internal/observability"
	"github.com/ligun0805/jar-burn/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Viewer is the read side of the monitor.
type Viewer interface {
	View() pipeline.View
	Subscribe() (<-chan pipeline.View, func())
}

type Server struct {
	viewer   Viewer
	metrics  http.Handler
	log      *zap.Logger
	upgrader websocket.Upgrader
	started  time.Time
	clients  atomic.Int64
	srv      *http.Server
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func New(v Viewer, opts ...Option) *Server {
	s := &Server{
		viewer: v,
		log:    zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return observability.RequestLogger(s.log, mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := s.viewer.View()
	status := http.StatusOK
	if v.Snapshot == nil {
		// nothing discovered yet
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := s.viewer.View()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "UP",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"loading":     v.Loading,
		"hasSnapshot": v.Snapshot != nil,
		"errors":      v.Errors,
		"clients":     s.clients.Load(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	id := uuid.NewString()
	log := s.log.With(zap.String("client", id))
	s.clients.Add(1)
	defer s.clients.Add(-1)
	defer conn.Close()
	log.Debug("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	views, unsubscribe := s.viewer.Subscribe()
	defer unsubscribe()

	// reader: handles pongs and notices the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			log.Debug("websocket client gone")
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
