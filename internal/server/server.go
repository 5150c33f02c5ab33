package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/core/protocol/quic"
	"github.com/zeusync/paintsync/internal/core/protocol/websocket"
	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
)

// Config holds server configuration
type Config struct {
	// WebSocketAddr is where the HTTP server with /ws and /health listens.
	WebSocketAddr string `yaml:"websocket_addr"`
	// QUICAddr enables the QUIC listener when set.
	QUICAddr string `yaml:"quic_addr"`
	// TLSCert and TLSKey are used by the QUIC listener; a self-signed
	// certificate is generated when they are empty.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// OutboundBuffer is how many messages may wait for one slow client
	// before it is dropped.
	OutboundBuffer  int           `yaml:"outbound_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Engine    EngineConfig     `yaml:"engine"`
	WebSocket websocket.Config `yaml:"websocket"`
	QUIC      quic.Config      `yaml:"quic"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		WebSocketAddr:   "127.0.0.1:8080",
		OutboundBuffer:  1024,
		ShutdownTimeout: 10 * time.Second,
		Engine:          DefaultEngineConfig(),
		WebSocket:       websocket.DefaultConfig(),
		QUIC:            quic.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.WebSocketAddr == "" && c.QUICAddr == "" {
		return errors.Join(ErrInvalidConfig, errors.New("no listener address"))
	}
	if c.OutboundBuffer <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("outbound_buffer must be positive"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.Join(ErrInvalidConfig, errors.New("tls_cert and tls_key go together"))
	}
	return nil
}

// Health is the body served at /health.
type Health struct {
	Status   string                `json:"status"`
	Sessions int64                 `json:"sessions"`
	Engine   EngineStats           `json:"engine"`
	Store    interfaces.Statistics `json:"store"`
}

// Server accepts paint clients over WebSocket and QUIC and connects them to
// the sync engine.
type Server struct {
	config Config
	engine *Engine
	store  Store
	logger log.Log

	upgrader     *websocket.Upgrader
	httpServer   *http.Server
	httpListener net.Listener
	quicListener *quic.Listener

	sessions     sync.Map // map[string]*session
	sessionCount atomic.Int64

	running atomic.Bool
	closed  atomic.Bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(config Config, engine *Engine, store Store, logger log.Log) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	s := &Server{
		config:   config,
		engine:   engine,
		store:    store,
		logger:   logger.With(log.String("component", "server")),
		upgrader: websocket.NewUpgrader(config.WebSocket),
	}

	s.logger.Info("Server created",
		log.String("websocket_addr", config.WebSocketAddr),
		log.String("quic_addr", config.QUICAddr),
		log.Int("outbound_buffer", config.OutboundBuffer),
		log.Duration("shutdown_timeout", config.ShutdownTimeout))

	return s
}

// Start binds the listeners and starts serving in the background.
func (s *Server) Start(_ context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if err := s.config.Validate(); err != nil {
		return err
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	if err := s.listen(); err != nil {
		s.running.Store(false)
		s.logger.Error("Failed to create listener", log.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.group, s.ctx = errgroup.WithContext(ctx)
	s.cancel = cancel

	s.group.Go(func() error {
		return s.engine.Run(s.ctx)
	})

	if s.httpListener != nil {
		s.group.Go(s.serveHTTP)
	}
	if s.quicListener != nil {
		s.group.Go(s.acceptQUIC)
	}

	// a failing engine takes the listeners down with it
	s.group.Go(func() error {
		<-s.ctx.Done()
		s.closeListeners()
		s.closeSessions(ErrServerClosed)
		return nil
	})

	s.logger.Info("Server started successfully")
	return nil
}

func (s *Server) listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	if s.config.WebSocketAddr != "" {
		listener, err := net.Listen("tcp", s.config.WebSocketAddr)
		if err != nil {
			return err
		}
		s.httpListener = listener
		s.httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.logger.Info("WebSocket listening", log.String("addr", listener.Addr().String()))
	}

	if s.config.QUICAddr != "" {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			s.closeListeners()
			return err
		}
		listener, err := quic.Listen(s.config.QUICAddr, tlsConfig, s.config.QUIC)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.quicListener = listener
		s.logger.Info("QUIC listening", log.String("addr", listener.Addr().String()))
	}
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.config.TLSCert != "" {
		return quic.LoadTLS(s.config.TLSCert, s.config.TLSKey)
	}
	s.logger.Warn("No TLS certificate configured, using a self-signed one")
	return quic.GenerateSelfSignedTLS()
}

func (s *Server) serveHTTP() error {
	err := s.httpServer.Serve(s.httpListener)
	if errors.Is(err, http.ErrServerClosed) || s.closed.Load() {
		return nil
	}
	return err
}

func (s *Server) acceptQUIC() error {
	for {
		conn, err := s.quicListener.AcceptConn(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || s.closed.Load() {
				return nil
			}
			s.logger.Error("Failed to accept QUIC connection", log.Error(err))
			return err
		}

		go func() {
			sc, err := s.quicListener.Handshake(s.ctx, conn)
			if err != nil {
				s.logger.Warn("QUIC handshake failed",
					log.String("remote_addr", conn.RemoteAddr().String()),
					log.Error(err))
				return
			}
			s.serve(newSession(s.ctx, sc, s.engine, s.config.OutboundBuffer, "quic", s.logger))
		}()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() || s.ctx.Err() != nil {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		return
	}

	s.serve(newSession(s.ctx, conn, s.engine, s.config.OutboundBuffer, "websocket", s.logger))
}

func (s *Server) serve(sess *session) {
	s.sessions.Store(sess.id, sess)
	s.sessionCount.Add(1)
	defer func() {
		s.sessions.Delete(sess.id)
		s.sessionCount.Add(-1)
	}()

	err := sess.run()
	switch {
	case err == nil,
		errors.Is(err, ErrServerClosed),
		errors.Is(err, context.Canceled),
		websocket.IsClosedError(err),
		quic.IsClosedError(err):
		sess.logger.Info("Client session ended")
	default:
		sess.logger.Warn("Client session failed", log.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.Health()
	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// Health reports the current server state.
func (s *Server) Health() Health {
	status := "ok"
	if s.closed.Load() || !s.running.Load() {
		status = "stopped"
	} else if s.engine.Err() != nil {
		status = "failed"
	}
	return Health{
		Status:   status,
		Sessions: s.sessionCount.Load(),
		Engine:   s.engine.Stats(),
		Store:    s.store.Stats(),
	}
}

// WebSocketAddr returns the bound HTTP address, nil when disabled.
func (s *Server) WebSocketAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// QUICAddr returns the bound QUIC address, nil when disabled.
func (s *Server) QUICAddr() net.Addr {
	if s.quicListener == nil {
		return nil
	}
	return s.quicListener.Addr()
}

// Wait blocks until the server stops and returns the error that stopped it.
func (s *Server) Wait() error {
	if s.group == nil {
		return ErrServerNotRunning
	}
	return s.group.Wait()
}

func (s *Server) closeListeners() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown incomplete", log.Error(err))
		}
	} else if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.quicListener != nil {
		_ = s.quicListener.Close()
	}
}

func (s *Server) closeSessions(cause error) {
	s.sessions.Range(func(_, value any) bool {
		value.(*session).close(cause)
		return true
	})
}

// Stop closes listeners and sessions, stops the engine and flushes the store.
func (s *Server) Stop(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	if !s.running.Load() {
		return ErrServerNotRunning
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info("Stopping server")

	s.cancel()

	waitErr := make(chan error, 1)
	go func() { waitErr <- s.group.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	storeErr := s.store.Close()
	if storeErr != nil {
		s.logger.Error("Failed to flush store", log.Error(storeErr))
	}

	s.running.Store(false)
	s.logger.Info("Server stopped")

	return errors.Join(runErr, storeErr)
}

// Close stops the server using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Stop(ctx)
}
