// Package server implements the relay core: the connection registry mapping
// passwords to hosts and controllers, the message router between them, and
// the heartbeat/cleanup lifecycle. One registered host and any number of
// attached controllers form a room keyed by the shared password.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/remlink/relay/observability"
	"github.com/remlink/relay/realtime/ws"
	"github.com/remlink/relay/relay/auth"
	"github.com/remlink/relay/relay/protocol"
	"github.com/remlink/relay/relay/session"
	"github.com/remlink/relay/relay/transfer"
)

type Config struct {
	Path            string // WebSocket endpoint path (e.g. "/ws").
	MaxMessageBytes int64  // Max bytes for a single inbound frame.
	MaxConns        int    // Maximum concurrent websocket connections.

	AllowedOrigins []string // Allowed Origin header values; empty allows any.
	AllowNoOrigin  bool     // Whether to allow empty Origin with a non-empty allow-list.

	SessionTimeout      time.Duration // Idle session lifetime.
	MaxSessionsPerUser  int           // Live session cap per password.
	MaxFailedAttempts   int           // Failed attempts before lockout.
	LockoutDuration     time.Duration // Lockout window from the last failed attempt.
	TrustedDeviceExpiry time.Duration // Trusted device lifetime.
	SecurityLogLimit    int           // Security log ring capacity.

	MaxFileSize      int64         // Upload size cap.
	RecentFilesLimit int           // Per-password recent files cap.
	TransferGrace    time.Duration // Retention of completed transfers.

	HeartbeatInterval  time.Duration // Liveness probe cadence.
	CleanupInterval    time.Duration // Session/transfer sweep cadence.
	WriteTimeout       time.Duration // Per-frame websocket write deadline (0 disables).
	MaxWriteQueueBytes int           // Max buffered bytes for websocket writes per connection.

	Logger   *logrus.Logger              // Structured logger; defaults to a fresh logrus logger.
	Observer observability.RelayObserver // Optional relay metrics observer.
}

// DefaultConfig returns the reference defaults for a relay server.
func DefaultConfig() Config {
	return Config{
		Path:                "/ws",
		MaxMessageBytes:     10 << 20,
		MaxConns:            10000,
		SessionTimeout:      30 * time.Minute,
		MaxSessionsPerUser:  5,
		MaxFailedAttempts:   5,
		LockoutDuration:     15 * time.Minute,
		TrustedDeviceExpiry: 30 * 24 * time.Hour,
		SecurityLogLimit:    100,
		MaxFileSize:         100 << 20,
		RecentFilesLimit:    10,
		TransferGrace:       60 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		CleanupInterval:     60 * time.Second,
		WriteTimeout:        10 * time.Second,
		MaxWriteQueueBytes:  256 << 20,
		Observer:            observability.NoopRelayObserver,
	}
}

// hostState is the registry record for one registered password.
type hostState struct {
	password    string
	info        json.RawMessage
	ws          *conn
	controllers map[*conn]struct{}
}

// Server owns the registry and routes frames between hosts and controllers.
type Server struct {
	cfg Config
	log *logrus.Logger
	obs observability.RelayObserver

	guard     *auth.Guard
	sessions  *session.Manager
	transfers *transfer.Engine

	mu        sync.Mutex // Guards hosts, bySession, and conn identities.
	hosts     map[string]*hostState
	bySession map[string]*conn

	connCount int64    // Current connection count.
	connSet   sync.Map // key: *conn, value: struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Stats captures a snapshot of relay server counts.
type Stats struct {
	Computers       int
	Clients         int
	Sessions        session.Stats
	ActiveTransfers int
}

// New validates the config and starts the heartbeat and cleanup loops.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 10 << 20
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10000
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}
	if cfg.MaxWriteQueueBytes <= 0 {
		cfg.MaxWriteQueueBytes = 256 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRelayObserver
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		obs: cfg.Observer,
		guard: auth.NewGuard(auth.Config{
			MaxFailedAttempts:   cfg.MaxFailedAttempts,
			LockoutDuration:     cfg.LockoutDuration,
			TrustedDeviceExpiry: cfg.TrustedDeviceExpiry,
			SecurityLogLimit:    cfg.SecurityLogLimit,
		}),
		sessions: session.NewManager(cfg.SessionTimeout, cfg.MaxSessionsPerUser),
		transfers: transfer.NewEngine(transfer.Config{
			MaxFileSize:      cfg.MaxFileSize,
			RecentFilesLimit: cfg.RecentFilesLimit,
			Grace:            cfg.TransferGrace,
		}),
		hosts:     make(map[string]*hostState),
		bySession: make(map[string]*conn),
		stopCh:    make(chan struct{}),
	}
	go s.heartbeatLoop()
	go s.cleanupLoop()
	return s
}

// Guard exposes the auth module, mainly for tests and the HTTP surface.
func (s *Server) Guard() *auth.Guard { return s.guard }

// Stats returns a point-in-time census for the status endpoint.
func (s *Server) Stats() Stats {
	now := time.Now()
	s.mu.Lock()
	computers := len(s.hosts)
	s.mu.Unlock()
	clients := 0
	s.connSet.Range(func(k, _ any) bool {
		c := k.(*conn)
		s.mu.Lock()
		if c.role == roleController {
			clients++
		}
		s.mu.Unlock()
		return true
	})
	return Stats{
		Computers:       computers,
		Clients:         clients,
		Sessions:        s.sessions.Stats(now),
		ActiveTransfers: s.transfers.ActiveCount(),
	}
}

// Register installs the websocket and health endpoints on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.Path, s.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Close stops the background loops and prevents new work.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// HandleWS upgrades the request and runs the connection's read loop.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	uc, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		CheckOrigin: ws.NewOriginChecker(s.cfg.AllowedOrigins, s.cfg.AllowNoOrigin),
	})
	if err != nil {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	c := newConn(uc, r.RemoteAddr)
	if !s.trackConn(c) {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonTooManyConnections)
		_ = uc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(2*time.Second))
		_ = uc.Close()
		return
	}
	uc.SetReadLimit(s.cfg.MaxMessageBytes)
	uc.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	for {
		mt, frame, err := c.ws.ReadMessage()
		if err != nil {
			s.obs.Close(observability.CloseReasonPeerClosed)
			s.teardown(c)
			return
		}
		if mt != websocket.TextMessage {
			s.log.WithField("addr", c.remoteAddr).Debug("dropping non-text frame")
			continue
		}
		s.dispatch(c, frame)
	}
}

func (s *Server) writeLoop(c *conn) {
	for {
		item, err := c.nextWrite()
		if err != nil {
			return
		}
		if item.close {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			s.teardown(c)
			return
		}
		if s.cfg.WriteTimeout > 0 {
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		} else {
			_ = c.ws.SetWriteDeadline(time.Time{})
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, item.data); err != nil {
			s.obs.Close(observability.CloseReasonWriteError)
			s.teardown(c)
			return
		}
		c.finishWrite(len(item.data))
	}
}

// send marshals and enqueues a frame for one connection. Best effort: a
// closed queue means the peer is going away and the frame is dropped.
func (s *Server) send(c *conn, v any) {
	if c == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Warn("marshal outbound frame")
		return
	}
	s.sendRaw(c, b)
}

func (s *Server) sendRaw(c *conn, frame []byte) {
	if c == nil {
		return
	}
	if err := c.enqueue(frame, s.cfg.MaxWriteQueueBytes); err != nil {
		s.log.WithField("addr", c.remoteAddr).WithError(err).Debug("dropping outbound frame")
	}
}

// teardown closes a connection and removes it from the registry. Safe to
// call from any goroutine and more than once; only the first call acts.
func (s *Server) teardown(c *conn) {
	c.teardownOnce.Do(func() { s.detach(c) })
}

// detach performs registry removal and disconnect propagation. Recipients
// are collected under the lock; sends happen after release.
func (s *Server) detach(c *conn) {
	c.closeWriteQueue()
	_ = c.ws.Close()
	s.untrackConn(c)

	var orphaned []*conn
	presencePassword := ""
	destroyedSession := ""
	hostCount := -1

	s.mu.Lock()
	switch c.role {
	case roleHost:
		h := s.hosts[c.password]
		if h != nil && h.ws == c {
			for cc := range h.controllers {
				orphaned = append(orphaned, cc)
			}
			delete(s.hosts, c.password)
			hostCount = len(s.hosts)
		}
	case roleController:
		if h := s.hosts[c.password]; h != nil {
			if _, ok := h.controllers[c]; ok {
				delete(h.controllers, c)
				presencePassword = c.password
			}
		}
		if s.bySession[c.sessionID] == c {
			delete(s.bySession, c.sessionID)
		}
		destroyedSession = c.sessionID
	}
	s.mu.Unlock()

	if hostCount >= 0 {
		s.obs.HostCount(hostCount)
		s.log.WithField("addr", c.remoteAddr).Info("host disconnected")
		for _, cc := range orphaned {
			s.send(cc, protocol.NewComputerDisconnected())
		}
	}
	if destroyedSession != "" {
		if _, ok := s.sessions.Destroy(destroyedSession); ok {
			s.guard.LogEvent(c.password, auth.EventSessionDestroyed, "Transport closed", c.remoteAddr, time.Now())
			s.obs.SessionCount(s.sessions.Stats(time.Now()).Total)
		}
		s.transfers.CancelFor(destroyedSession)
	}
	if presencePassword != "" {
		s.broadcastPresence(presencePassword)
	}
}

// trackConn increments the connection count and enforces MaxConns.
func (s *Server) trackConn(c *conn) bool {
	newCount := atomic.AddInt64(&s.connCount, 1)
	if s.cfg.MaxConns > 0 && newCount > int64(s.cfg.MaxConns) {
		newCount = atomic.AddInt64(&s.connCount, -1)
		s.obs.ConnCount(newCount)
		return false
	}
	s.obs.ConnCount(newCount)
	s.connSet.Store(c, struct{}{})
	return true
}

// untrackConn decrements the connection count if tracked.
func (s *Server) untrackConn(c *conn) {
	if _, ok := s.connSet.LoadAndDelete(c); !ok {
		return
	}
	s.obs.ConnCount(atomic.AddInt64(&s.connCount, -1))
}
