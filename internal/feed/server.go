// Package feed serves the packet store over HTTP: paged queries, traffic
// statistics, session state, and a live WebSocket stream.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/session"
	"firestige.xyz/usbview/internal/stats"
	"firestige.xyz/usbview/internal/store"
)

// Config represents feed server configuration.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	SendBuffer int    `mapstructure:"send_buffer"` // packet messages queued per client before dropping
	MaxLimit   int    `mapstructure:"max_limit"`   // cap on packets per /api/packets response
}

const (
	defaultSendBuffer = 512
	defaultMaxLimit   = 10_000
	defaultLimit      = 1_000
)

func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8765", SendBuffer: defaultSendBuffer, MaxLimit: defaultMaxLimit}
}

// Server is the feed HTTP server. It is a store sink: attach it to the store
// to stream appended packets to WebSocket clients.
type Server struct {
	cfg   Config
	store *store.Store
	agg   *stats.Aggregator
	hub   *hub

	mu    sync.RWMutex
	sess  *session.Session
	unsub func()

	server *http.Server
	ln     net.Listener
	logger log.Logger
}

func NewServer(cfg Config, st *store.Store, agg *stats.Aggregator) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = defaultMaxLimit
	}
	if agg == nil {
		agg = stats.NewAggregator(st, stats.DefaultBucket)
	}
	logger := log.GetLogger().WithField("component", "feed")
	return &Server{
		cfg:    cfg,
		store:  st,
		agg:    agg,
		hub:    newHub(cfg.SendBuffer, logger),
		logger: logger,
	}
}

// Attach follows the state of sess, replacing any previous session.
func (s *Server) Attach(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
	}
	s.sess = sess
	s.unsub = sess.Subscribe(s.hub.state)
}

func (s *Server) session() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

// Consume forwards p to the connected WebSocket clients.
func (s *Server) Consume(p core.Packet) { s.hub.packet(p) }

// Handler returns the routes of the feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/packets", s.handlePackets)
	mux.HandleFunc("GET /api/packets/{id}", s.handlePacket)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("feed server listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("starting feed server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("feed server error")
		}
	}()
	return nil
}

// Addr is the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop disconnects all clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.mu.Unlock()

	s.hub.closeAll()
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("feed server shutdown failed: %w", err)
	}
	s.logger.Info("feed server stopped")
	return nil
}
