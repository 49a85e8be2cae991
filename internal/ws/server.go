// Package ws is the WebSocket transport: it upgrades HTTP requests with
// gobwas/ws, multiplexes idle connections on epoll, reads frames on a
// bounded worker pool and hands complete messages to a callback.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rawchat/rawchat/internal/logging"
	"github.com/rawchat/rawchat/internal/metrics"
)

// Request parameters carrying the device identifier.
const (
	DeviceIDQueryParam = "deviceId"
	DeviceIDHeader     = "X-Device-ID"
)

// ErrNotConnected is returned by SendMessage for unknown connection IDs.
var ErrNotConnected = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted frame payload in bytes
	ReadTimeout    time.Duration // timeout for reading a frame once readable
	WriteTimeout   time.Duration // timeout for each outbound frame
	Heartbeat      HeartbeatConfig
	TrustProxy     bool // take the client address from X-Forwarded-For
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxMessageSize: 64 * 1024,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Admission decides whether a client address may open a connection. A
// refusal carries the time until the client may retry.
type Admission interface {
	AllowConnect(ctx context.Context, addr string) (allowed bool, retryAfter time.Duration)
}

// Server is the WebSocket server built on gobwas/ws and epoll.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onConnect    func(c *Connection) error           // admission of an upgraded connection
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called once per admitted connection on removal
	admission    Admission
	healthExtra  func() interface{}
	httpServer   *http.Server
	done         chan struct{}
	started      atomic.Bool
	startedAt    time.Time
	log          zerolog.Logger
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete data frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		log:        logging.Component("ws"),
	}
}

// SetOnConnect registers the admission callback run right after upgrade,
// before the connection is polled. A non-nil error closes the connection
// without running the disconnect callback.
func (s *Server) SetOnConnect(fn func(c *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run when an admitted connection is
// removed (read error, close frame, heartbeat timeout or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAdmission installs a pre-upgrade connect limiter.
func (s *Server) SetAdmission(a Admission) {
	s.admission = a
}

// SetHealthReporter adds fn's result under "stats" in /health responses.
func (s *Server) SetHealthReporter(fn func() interface{}) {
	s.healthExtra = fn
}

// Init creates the poller and starts the event loop and heartbeat. Start
// calls it; tests that serve Handler themselves call it directly.
func (s *Server) Init() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start initializes the server and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.log.Info().Str("addr", s.config.ListenAddr).Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).Msg("listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.ConnectRejected.WithLabelValues(metrics.RejectCapacity).Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	origin := ClientAddr(r, s.config.TrustProxy)
	if s.admission != nil {
		if ok, retryAfter := s.admission.AllowConnect(r.Context(), origin); !ok {
			metrics.ConnectRejected.WithLabelValues(metrics.RejectRateLimited).Inc()
			s.log.Info().Str("origin", origin).Dur("retry_after", retryAfter).Msg("connect rate limited")
			w.Header().Set("Retry-After", strconv.Itoa(RetrySeconds(retryAfter)))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("origin", origin).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), wrapConn(raw), DeviceID(r), origin)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.log.Info().Err(err).Str("conn", c.ID).Str("origin", origin).Msg("connection refused")
			_ = s.writeWithDeadline(c, func() error {
				return c.WriteClose(ws.StatusPolicyViolation, "rejected")
			})
			if s.conns.Remove(c.ID) {
				metrics.ConnectionsTotal.Dec()
			}
			_ = c.Close()
			return
		}
	}

	if err := s.epoll.Add(c.Conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Debug().Str("conn", c.ID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("connection open")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string      `json:"status"`
		Connections int         `json:"connections"`
		Uptime      string      `json:"uptime"`
		Stats       interface{} `json:"stats,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.healthExtra != nil {
		resp.Stats = s.healthExtra()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every readable connection to a worker, bounded by
// the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection. Control frames
// are consumed here; data frames go to onMessage. Read failures remove the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same fd to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	removed := false
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		if !removed {
			s.epoll.Resume(netConn)
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// No data after all (stale readiness); the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		removed = true
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			removed = true
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxMessageSize > 0 && header.Length > s.config.MaxMessageSize {
		s.log.Warn().Str("conn", c.ID).Int64("size", header.Length).Msg("frame too large")
		_ = s.writeWithDeadline(c, func() error {
			return c.WriteClose(ws.StatusMessageTooBig, "message too big")
		})
		removed = true
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			removed = true
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

// RemoveConnection unregisters and closes c, then runs the disconnect
// callback. Safe to call concurrently; only the first call does anything.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, connID)
	}
	return s.Send(c, data)
}

// Send writes a text frame to c under the write timeout.
func (s *Server) Send(c *Connection, data []byte) error {
	return s.writeWithDeadline(c, func() error { return c.WriteMessage(data) })
}

func (s *Server) writeWithDeadline(c *Connection, write func() error) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return write()
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the event loop and closes every
// connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		_ = s.writeWithDeadline(c, func() error {
			return c.WriteClose(ws.StatusGoingAway, "server shutting down")
		})
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info().Msg("server stopped")
	return err
}

// ClientAddr returns the client's address: the first X-Forwarded-For hop
// when trustProxy is set and the header is present, else the host part of
// RemoteAddr.
func ClientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// DeviceID returns the device identifier from the deviceId query parameter,
// falling back to the X-Device-ID header.
func DeviceID(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get(DeviceIDQueryParam)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(DeviceIDHeader))
}

// RetrySeconds rounds d up to whole seconds, minimum one.
func RetrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// isEINTR reports whether err is an interrupted system call, which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
