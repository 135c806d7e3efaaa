package server

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/remlink/relay/observability"
	"github.com/remlink/relay/relay/auth"
	"github.com/remlink/relay/relay/session"
)

// heartbeatLoop probes every tracked connection with a websocket ping each
// interval. A connection that did not answer the previous probe is dead and
// gets torn down.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		deadline := time.Now().Add(s.cfg.HeartbeatInterval / 2)
		s.connSet.Range(func(k, _ any) bool {
			c := k.(*conn)
			if !c.alive.Load() {
				s.log.WithField("addr", c.remoteAddr).Info("heartbeat timeout")
				s.obs.Close(observability.CloseReasonHeartbeat)
				s.teardown(c)
				return true
			}
			c.alive.Store(false)
			_ = c.ws.WriteControl(websocket.PingMessage, nil, deadline)
			return true
		})
	}
}

// cleanupLoop sweeps idle-expired sessions, stale lockouts and trusted
// devices, and completed transfers past their grace window.
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		now := time.Now()
		expired := s.sessions.Sweep(now)
		for _, sess := range expired {
			s.mu.Lock()
			c := s.bySession[sess.ID]
			delete(s.bySession, sess.ID)
			if h := s.hosts[sess.Password]; h != nil && c != nil {
				delete(h.controllers, c)
			}
			s.mu.Unlock()
			if c != nil {
				s.expireConn(c, session.ReasonExpired)
				s.transfers.CancelFor(sess.ID)
			}
			s.guard.LogEvent(sess.Password, auth.EventSessionDestroyed, "Idle session expired", "", now)
			s.broadcastPresence(sess.Password)
		}
		if len(expired) > 0 {
			s.log.WithField("count", len(expired)).Info("expired idle sessions")
		}
		s.transfers.Sweep(now)
		s.guard.Sweep(now)
		s.obs.SessionCount(s.sessions.Stats(now).Total)
	}
}
