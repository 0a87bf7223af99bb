// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, watching connections with epoll, and handing
// complete frames to the application on a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haven/support-chat/internal/apperr"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // largest data frame payload accepted from a client
}

// DefaultMaxFrameBytes leaves room for a maximum-size chat message plus its
// JSON envelope.
const DefaultMaxFrameBytes = 16 << 10

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  DefaultMaxFrameBytes,
	}
}

// Authenticator resolves the participant behind an upgrade request. Errors
// classified as apperr.Unauthorized or apperr.RateLimited are answered with
// 401 and 429; anything else with 503.
type Authenticator interface {
	Authenticate(r *http.Request) (participantID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

const waitTimeoutMs = 250

// Server is the WebSocket server built on gobwas/ws and epoll. It upgrades
// authenticated HTTP requests, registers the connections with the poller, and
// dispatches ready connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	auth         Authenticator
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after a connection is registered
	onDisconnect func(conn *Connection)              // called when a connection is removed
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	stopped      atomic.Bool
	startedAt    time.Time
	logger       zerolog.Logger
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = DefaultMaxFrameBytes
	}
	ep, err := NewEpoll(128)
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		epoll:      ep,
		conns:      NewConnectionManager(),
		auth:       auth,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
		logger:     logging.Component("ws"),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handle registers an additional HTTP handler, e.g. /metrics. It must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnConnect registers a callback invoked once a connection is registered
// and before its first frame is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and heartbeat and serves HTTP on ln. It blocks
// until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it using the gobwas/ws
// zero-copy upgrader, and registers the connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	participantID, err := s.auth.Authenticate(r)
	if err != nil {
		status := http.StatusServiceUnavailable
		switch apperr.KindOf(err) {
		case apperr.Unauthorized:
			status = http.StatusUnauthorized
		case apperr.RateLimited:
			status = http.StatusTooManyRequests
		}
		s.logger.Debug().Err(err).Int("status", status).Str("ip", ClientIP(r)).Msg("upgrade rejected")
		http.Error(w, apperr.Message(err), status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &Connection{
		ID:           uuid.NewString(),
		Participant:  participantID,
		RemoteIP:     ClientIP(r),
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error().Err(err).Str(logging.FieldConnID, c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.logger.Debug().
		Str(logging.FieldConnID, c.ID).
		Str(logging.FieldParticipantID, participantID).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(waitTimeoutMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !errors.Is(err, syscall.EINTR) {
				s.logger.Error().Err(err).Msg("epoll wait failed")
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. Read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer s.epoll.Resume(netConn)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat deals with
		// dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	// The declared length is client input; check it before allocating.
	if header.Length > s.config.MaxFrameBytes {
		s.logger.Warn().
			Str(logging.FieldConnID, c.ID).
			Str(logging.FieldParticipantID, c.Participant).
			Int64("length", header.Length).
			Int64("limit", s.config.MaxFrameBytes).
			Msg("frame too large")
		_ = c.WriteClose(ws.StatusMessageTooBig, "message too big")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from the poller and the connection
// manager and closes it. Concurrent removals of the same connection run the
// disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Debug().
		Str(logging.FieldConnID, c.ID).
		Str(logging.FieldParticipantID, c.Participant).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections, and releases the poller.
func (s *Server) Shutdown() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("shutting down server")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown error")
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if err := s.epoll.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("epoll close error")
	}

	s.logger.Info().Msg("server stopped, all connections closed")
	return nil
}

// ClientIP returns the originating client address, honouring the first
// X-Forwarded-For hop set by the load balancer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
