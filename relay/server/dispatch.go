package server

import (
	"encoding/json"
	"time"

	"github.com/remlink/relay/observability"
	"github.com/remlink/relay/relay/auth"
	"github.com/remlink/relay/relay/protocol"
	"github.com/remlink/relay/relay/session"
)

// User-facing error messages. Part of the wire contract.
const (
	msgInvalidFormat    = "Invalid message format"
	msgInvalidPassword  = "Invalid password format"
	msgComputerNotFound = "Computer not found or offline"
	msgSessionExpired   = "Session expired"
	msgInternalError    = "Internal server error"
)

// dispatch parses the type discriminator and routes one inbound frame.
func (s *Server) dispatch(c *conn, frame []byte) {
	typ, err := protocol.PeekType(frame)
	if err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	switch typ {
	case protocol.TypePing:
		// Liveness probe; must not mutate registry or session state.
		s.send(c, protocol.NewPong())
	case protocol.TypeRegisterComputer:
		s.handleRegisterComputer(c, frame)
	case protocol.TypeConnectToComputer:
		s.handleConnectToComputer(c, frame)
	case protocol.TypeAutoLogin:
		s.handleAutoLogin(c, frame)
	case protocol.TypeRelay:
		s.handleRelay(c, frame)
	case protocol.TypeScreenshot, protocol.TypeResult:
		s.handleHostBroadcast(c, frame)
	case protocol.TypeGetSessions:
		s.handleGetSessions(c)
	case protocol.TypeKickSession:
		s.handleKickSession(c, frame)
	case protocol.TypeLogout:
		s.handleLogout(c)
	case protocol.TypeGetSecurityLog:
		s.handleGetSecurityLog(c)
	case protocol.TypeGetTrustedDevices:
		s.handleGetTrustedDevices(c)
	case protocol.TypeGetConnectedUsers:
		s.handleGetConnectedUsers(c)
	case protocol.TypeFileUploadStart:
		s.handleFileUploadStart(c, frame)
	case protocol.TypeFileChunk:
		s.handleFileChunk(c, frame)
	case protocol.TypeFileUploadComplete:
		s.handleFileUploadComplete(c, frame)
	case protocol.TypeFileCancel:
		s.handleFileCancel(c, frame)
	case protocol.TypeFileDownloadRequest, protocol.TypeBrowseFiles, protocol.TypeFileOperation,
		protocol.TypeStartFileWatcher, protocol.TypeStopFileWatcher, protocol.TypeGetWatchedFolders:
		s.handleFileCommand(c, typ, frame)
	case protocol.TypeFileDownloadResponse, protocol.TypeFileOperationResult,
		protocol.TypeBrowseResultRelay, protocol.TypeWatcherResult, protocol.TypeWatchedFolders:
		s.handleDirected(c, typ, frame)
	case protocol.TypeFileChangeEvent:
		s.handleFileChangeEvent(c, frame)
	default:
		s.log.WithFields(map[string]any{"addr": c.remoteAddr, "type": typ}).Debug("unknown message type")
	}
}

func (s *Server) handleRegisterComputer(c *conn, frame []byte) {
	var m protocol.RegisterComputer
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if !auth.ValidatePasswordFormat(m.Password) {
		s.send(c, protocol.NewError(msgInvalidPassword))
		return
	}
	now := time.Now()

	var replaced *conn
	hostCount := -1
	s.mu.Lock()
	if c.role != roleUnassigned {
		s.mu.Unlock()
		s.log.WithField("addr", c.remoteAddr).Debug("register from classified transport dropped")
		return
	}
	if old := s.hosts[m.Password]; old != nil {
		replaced = old.ws
	}
	// A replacement starts with an empty controller set; previously attached
	// controllers reattach by connecting again.
	c.role = roleHost
	c.password = m.Password
	s.hosts[m.Password] = &hostState{
		password:    m.Password,
		info:        m.Info,
		ws:          c,
		controllers: make(map[*conn]struct{}),
	}
	hostCount = len(s.hosts)
	s.mu.Unlock()

	s.obs.HostCount(hostCount)
	if replaced != nil {
		// Old host learns it lost the password, then its socket is drained
		// and closed. Its detach path leaves the new record alone.
		s.send(replaced, protocol.NewReplaced())
		replaced.enqueueClose()
		s.obs.Close(observability.CloseReasonReplaced)
		s.guard.LogEvent(m.Password, auth.EventComputerReplaced, "Host replaced by new registration", c.remoteAddr, now)
	} else {
		s.guard.LogEvent(m.Password, auth.EventComputerRegistered, "Host registered", c.remoteAddr, now)
	}
	s.send(c, protocol.NewRegistered())
	s.log.WithField("addr", c.remoteAddr).Info("host registered")
}

func (s *Server) handleConnectToComputer(c *conn, frame []byte) {
	var m protocol.ConnectToComputer
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	now := time.Now()
	if !auth.ValidatePasswordFormat(m.Password) {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonInvalidPassword)
		s.send(c, protocol.NewError(msgInvalidPassword))
		return
	}
	if lock := s.guard.CheckLockout(m.Password, now); lock.Locked {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonLockedOut)
		s.guard.LogEvent(m.Password, auth.EventLockout, "Connect attempt during lockout", c.remoteAddr, now)
		s.send(c, protocol.NewError(auth.LockoutMessage(lock)))
		return
	}
	s.mu.Lock()
	_, hostUp := s.hosts[m.Password]
	s.mu.Unlock()
	if !hostUp {
		s.guard.RecordFailedAttempt(m.Password, now)
		s.guard.LogEvent(m.Password, auth.EventFailedAttempt, "Unknown computer password", c.remoteAddr, now)
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonUnknownHost)
		s.send(c, protocol.NewError(msgComputerNotFound))
		return
	}
	s.guard.ClearFailures(m.Password)

	info := m.DeviceInfo
	deviceID := ""
	if m.TrustDevice {
		info.Trusted = true
		id, err := s.guard.RegisterTrustedDevice(m.Password, info, now)
		if err != nil {
			s.obs.Attach(observability.AttachResultFail, observability.AttachReasonInternalError)
			s.send(c, protocol.NewError(msgInternalError))
			return
		}
		deviceID = id
		s.guard.LogEvent(m.Password, auth.EventTrustedDeviceRegistered, "Trusted device registered: "+info.Name, c.remoteAddr, now)
	}
	s.finishAttach(c, m.Password, info, deviceID, now)
}

func (s *Server) handleAutoLogin(c *conn, frame []byte) {
	var m protocol.AutoLogin
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	now := time.Now()
	if !auth.ValidatePasswordFormat(m.Password) {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonInvalidPassword)
		s.send(c, protocol.NewAutoLoginFailed(msgInvalidPassword))
		return
	}
	if lock := s.guard.CheckLockout(m.Password, now); lock.Locked {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonLockedOut)
		s.send(c, protocol.NewAutoLoginFailed(auth.LockoutMessage(lock)))
		return
	}
	device, err := s.guard.ValidateTrustedDevice(m.Password, m.DeviceID, now)
	if err != nil {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonUntrustedDevice)
		if err == auth.ErrDeviceExpired {
			s.guard.LogEvent(m.Password, auth.EventTrustedDeviceExpired, "Trusted device expired", c.remoteAddr, now)
		}
		s.send(c, protocol.NewAutoLoginFailed(err.Error()))
		return
	}
	s.mu.Lock()
	_, hostUp := s.hosts[m.Password]
	s.mu.Unlock()
	if !hostUp {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonUnknownHost)
		s.send(c, protocol.NewAutoLoginFailed(msgComputerNotFound))
		return
	}
	s.guard.ClearFailures(m.Password)
	s.guard.LogEvent(m.Password, auth.EventTrustedDeviceLogin, "Auto-login: "+device.Name, c.remoteAddr, now)
	info := protocol.DeviceInfo{Name: device.Name, Browser: device.Browser, Trusted: true}
	s.finishAttach(c, m.Password, info, m.DeviceID, now)
}

// finishAttach installs an authenticated transport as a controller. The
// connected reply is enqueued before any eviction notice so a capped-out
// oldest session observes its own expiry after the newcomer's success.
func (s *Server) finishAttach(c *conn, password string, info protocol.DeviceInfo, deviceID string, now time.Time) {
	sess, evicted, err := s.sessions.Create(password, info, now)
	if err != nil {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonInternalError)
		s.send(c, protocol.NewError(msgInternalError))
		return
	}

	attached := false
	var evictedConns []*conn
	s.mu.Lock()
	h := s.hosts[password]
	if h != nil && c.role == roleUnassigned {
		c.role = roleController
		c.password = password
		c.sessionID = sess.ID
		c.deviceInfo = info
		h.controllers[c] = struct{}{}
		s.bySession[sess.ID] = c
		attached = true
	}
	for _, ev := range evicted {
		ec := s.bySession[ev.ID]
		if ec == nil {
			continue
		}
		delete(s.bySession, ev.ID)
		if h != nil {
			delete(h.controllers, ec)
		}
		evictedConns = append(evictedConns, ec)
	}
	s.mu.Unlock()

	if !attached {
		s.sessions.Destroy(sess.ID)
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonUnknownHost)
		s.send(c, protocol.NewError(msgComputerNotFound))
		return
	}

	s.send(c, protocol.Connected{
		Type:      protocol.TypeConnected,
		Success:   true,
		SessionID: sess.ID,
		DeviceID:  deviceID,
		ExpiresIn: int64(s.sessions.Timeout().Seconds()),
	})
	s.guard.LogEvent(password, auth.EventSessionCreated, "Controller connected: "+info.Name, c.remoteAddr, now)
	s.obs.Attach(observability.AttachResultOK, observability.AttachReasonOK)
	s.obs.SessionCount(s.sessions.Stats(now).Total)

	for _, ec := range evictedConns {
		s.expireConn(ec, session.ReasonMaxSessions)
		s.transfers.CancelFor(ec.sessionID)
	}
	s.broadcastPresence(password)
	s.log.WithFields(map[string]any{"addr": c.remoteAddr, "device": info.Name}).Info("controller attached")
}

// expireConn delivers a session_expired notice and drains the transport
// closed. The registry entry is cleaned up by the teardown path.
func (s *Server) expireConn(c *conn, reason string) {
	s.send(c, protocol.SessionExpired{
		Type:    protocol.TypeSessionExpired,
		Reason:  reason,
		Message: msgSessionExpired,
	})
	c.enqueueClose()
	s.obs.Close(observability.CloseReasonSessionExpired)
}

// controllerSession validates and touches the sender's session. On an
// idle-expired session the transport is notified and closed.
func (s *Server) controllerSession(c *conn) (session.Session, bool) {
	if c.role != roleController {
		s.log.WithField("addr", c.remoteAddr).Debug("controller message from non-controller dropped")
		return session.Session{}, false
	}
	now := time.Now()
	sess, ok := s.sessions.Validate(c.sessionID, now)
	if !ok {
		if sess.ID != "" {
			s.expireConn(c, session.ReasonExpired)
		}
		return session.Session{}, false
	}
	s.sessions.Touch(c.sessionID, now)
	return sess, true
}

// hostConn returns the live host transport for a password, or nil.
func (s *Server) hostConn(password string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.hosts[password]; h != nil {
		return h.ws
	}
	return nil
}

func (s *Server) handleRelay(c *conn, frame []byte) {
	var m protocol.Relay
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	host := s.hostConn(c.password)
	if host == nil {
		return // host gone; routing failures stay silent
	}
	s.send(host, protocol.Command{Type: protocol.TypeCommand, SessionID: c.sessionID, Data: m.Data})
	s.obs.Relayed(observability.RelayKindCommand)
}

// handleHostBroadcast fans a host frame out to every attached controller
// unchanged, preserving the host's emission order per controller.
func (s *Server) handleHostBroadcast(c *conn, frame []byte) {
	recipients := s.hostControllers(c)
	for _, cc := range recipients {
		s.sendRaw(cc, frame)
	}
	if len(recipients) > 0 {
		s.obs.Relayed(observability.RelayKindBroadcast)
	}
}

// hostControllers snapshots the controller set if c is the live host.
func (s *Server) hostControllers(c *conn) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.role != roleHost {
		return nil
	}
	h := s.hosts[c.password]
	if h == nil || h.ws != c {
		return nil
	}
	out := make([]*conn, 0, len(h.controllers))
	for cc := range h.controllers {
		out = append(out, cc)
	}
	return out
}

func (s *Server) handleGetSessions(c *conn) {
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	list := s.sessions.ForPassword(c.password)
	infos := make([]protocol.SessionInfo, 0, len(list))
	for _, sess := range list {
		infos = append(infos, protocol.SessionInfo{
			SessionID:    sess.ID,
			DeviceInfo:   sess.DeviceInfo,
			CreatedAt:    sess.CreatedAt.UnixMilli(),
			LastActivity: sess.LastActivity.UnixMilli(),
			Current:      sess.ID == c.sessionID,
		})
	}
	s.send(c, protocol.SessionsList{Type: protocol.TypeSessionsList, Sessions: infos, Total: len(infos)})
}

func (s *Server) handleKickSession(c *conn, frame []byte) {
	var m protocol.KickSession
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	target, ok := s.sessions.Get(m.SessionID)
	if !ok || target.Password != c.password {
		s.send(c, protocol.KickResult{Type: protocol.TypeKickResult, Success: false, Message: "Session not found"})
		return
	}
	s.sessions.Destroy(m.SessionID)

	s.mu.Lock()
	tc := s.bySession[m.SessionID]
	delete(s.bySession, m.SessionID)
	if h := s.hosts[c.password]; h != nil && tc != nil {
		delete(h.controllers, tc)
	}
	s.mu.Unlock()

	if tc != nil {
		s.send(tc, protocol.SessionExpired{
			Type:    protocol.TypeSessionExpired,
			Reason:  session.ReasonKicked,
			Message: "Session terminated by another device",
		})
		tc.enqueueClose()
		s.obs.Close(observability.CloseReasonKicked)
		s.transfers.CancelFor(m.SessionID)
	}
	s.guard.LogEvent(c.password, auth.EventSessionDestroyed, "Session kicked", c.remoteAddr, time.Now())
	s.send(c, protocol.KickResult{Type: protocol.TypeKickResult, Success: true})
	s.broadcastPresence(c.password)
}

func (s *Server) handleLogout(c *conn) {
	if c.role != roleController {
		return
	}
	if _, ok := s.sessions.Destroy(c.sessionID); ok {
		s.guard.LogEvent(c.password, auth.EventSessionDestroyed, "Logout", c.remoteAddr, time.Now())
	}
	s.obs.Close(observability.CloseReasonLogout)
	c.enqueueClose() // teardown detaches from the host set and broadcasts presence
}

func (s *Server) handleGetSecurityLog(c *conn) {
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	events := s.guard.EventsFor(c.password)
	if events == nil {
		events = []protocol.SecurityEvent{}
	}
	s.send(c, protocol.SecurityLog{Type: protocol.TypeSecurityLog, Events: events})
}

func (s *Server) handleGetTrustedDevices(c *conn) {
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	devices := s.guard.DevicesFor(c.password)
	infos := make([]protocol.TrustedDeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, protocol.TrustedDeviceInfo{
			DeviceID:  d.DeviceID,
			Name:      d.Name,
			Browser:   d.Browser,
			CreatedAt: d.CreatedAt.UnixMilli(),
			LastUsed:  d.LastUsed.UnixMilli(),
		})
	}
	s.send(c, protocol.TrustedDevices{Type: protocol.TypeTrustedDevices, Devices: infos})
}

func (s *Server) handleGetConnectedUsers(c *conn) {
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	users := s.presenceUsers(c.password)
	s.send(c, protocol.Presence{Type: protocol.TypeConnectedUsers, Users: users, TotalCount: len(users)})
}

func (s *Server) handleFileUploadStart(c *conn, frame []byte) {
	var m protocol.FileUploadStart
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	id, err := s.transfers.Start(c.password, c.sessionID, m.FileName, m.FileSize, m.FileType, time.Now())
	if err != nil {
		s.send(c, protocol.NewError(err.Error()))
		return
	}
	s.send(c, protocol.FileUploadReady{Type: protocol.TypeFileUploadReady, Success: true, TransferID: id})
}

func (s *Server) handleFileChunk(c *conn, frame []byte) {
	var m protocol.FileChunk
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	progress, err := s.transfers.Chunk(m.TransferID, m.ChunkIndex, m.Data, time.Now())
	if err != nil {
		s.send(c, protocol.NewError(err.Error()))
		return
	}
	s.send(c, protocol.FileProgress{
		Type:       protocol.TypeFileProgress,
		TransferID: m.TransferID,
		Progress:   progress.Percent,
		Speed:      progress.Speed,
		ETA:        progress.ETA,
	})
}

func (s *Server) handleFileUploadComplete(c *conn, frame []byte) {
	var m protocol.FileUploadComplete
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	done, err := s.transfers.Complete(m.TransferID, time.Now())
	if err != nil {
		s.send(c, protocol.NewError(err.Error()))
		return
	}
	if host := s.hostConn(c.password); host != nil {
		s.send(host, map[string]any{
			"type":       protocol.TypeFileCommand,
			"command":    "file_receive",
			"transferId": done.TransferID,
			"fileName":   done.FileName,
			"fileSize":   done.FileSize,
			"fileData":   done.DataBase64,
		})
		s.obs.Relayed(observability.RelayKindFileCommand)
	}
	s.send(c, protocol.FileUploadSuccess{
		Type:       protocol.TypeFileUploadSuccess,
		TransferID: done.TransferID,
		FileName:   done.FileName,
	})
	s.obs.TransferBytes(done.FileSize)
	s.log.WithFields(map[string]any{"file": done.FileName, "size": done.FileSize}).Info("file upload completed")
}

func (s *Server) handleFileCancel(c *conn, frame []byte) {
	var m protocol.FileCancel
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	s.transfers.Cancel(m.TransferID)
}

// handleFileCommand stamps a controller filesystem request with the caller's
// session id and forwards it to the host as a file_command.
func (s *Server) handleFileCommand(c *conn, typ string, frame []byte) {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		s.send(c, protocol.NewError(msgInvalidFormat))
		return
	}
	if _, ok := s.controllerSession(c); !ok {
		return
	}
	host := s.hostConn(c.password)
	if host == nil {
		return
	}
	m["type"] = protocol.TypeFileCommand
	m["command"] = typ
	m["requesterId"] = c.sessionID
	s.send(host, m)
	s.obs.Relayed(observability.RelayKindFileCommand)
}

// directedRename maps host response types to the frame type the requester
// receives. Types absent from the map pass through unchanged.
var directedRename = map[string]string{
	protocol.TypeBrowseResultRelay: protocol.TypeBrowseResult,
}

// handleDirected delivers a host response to exactly the controller whose
// session id matches requesterId. No match means silent drop.
func (s *Server) handleDirected(c *conn, typ string, frame []byte) {
	var d protocol.Directed
	if err := json.Unmarshal(frame, &d); err != nil || d.RequesterID == "" {
		return
	}

	var target *conn
	s.mu.Lock()
	if h := s.hosts[c.password]; h != nil && h.ws == c && c.role == roleHost {
		if tc := s.bySession[d.RequesterID]; tc != nil {
			if _, ok := h.controllers[tc]; ok {
				target = tc
			}
		}
	}
	s.mu.Unlock()
	if target == nil {
		return
	}

	if renamed, ok := directedRename[typ]; ok {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			return
		}
		m["type"] = renamed
		s.send(target, m)
	} else {
		s.sendRaw(target, frame)
	}
	s.obs.Relayed(observability.RelayKindDirected)
}

// handleFileChangeEvent broadcasts a host filesystem event to all attached
// controllers with a server-stamped timestamp.
func (s *Server) handleFileChangeEvent(c *conn, frame []byte) {
	recipients := s.hostControllers(c)
	if len(recipients) == 0 {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return
	}
	m["timestamp"] = time.Now().UnixMilli()
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	for _, cc := range recipients {
		s.sendRaw(cc, b)
	}
	s.obs.Relayed(observability.RelayKindBroadcast)
}

// presenceUsers snapshots the attached controllers for a password.
func (s *Server) presenceUsers(password string) []protocol.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hosts[password]
	users := make([]protocol.UserInfo, 0)
	if h == nil {
		return users
	}
	for cc := range h.controllers {
		users = append(users, protocol.UserInfo{SessionID: cc.sessionID, DeviceInfo: cc.deviceInfo})
	}
	return users
}

// broadcastPresence fans a users_changed notice out to the host and every
// attached controller.
func (s *Server) broadcastPresence(password string) {
	var recipients []*conn
	users := make([]protocol.UserInfo, 0)
	s.mu.Lock()
	h := s.hosts[password]
	if h == nil {
		s.mu.Unlock()
		return
	}
	for cc := range h.controllers {
		users = append(users, protocol.UserInfo{SessionID: cc.sessionID, DeviceInfo: cc.deviceInfo})
		recipients = append(recipients, cc)
	}
	hostConn := h.ws
	s.mu.Unlock()

	msg := protocol.Presence{Type: protocol.TypeUsersChanged, Users: users, TotalCount: len(users)}
	s.send(hostConn, msg)
	for _, cc := range recipients {
		s.send(cc, msg)
	}
	s.obs.Relayed(observability.RelayKindPresence)
}
