package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg.Logger = logger
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	t.Cleanup(s.Close)

	mux := http.NewServeMux()
	s.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", b, err)
	}
	return m
}

// readUntil skips interleaved frames (e.g. users_changed) until one of the
// wanted type arrives.
func readUntil(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := readFrame(t, c)
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %q frame within 20 reads", typ)
	return nil
}

func expectClosed(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 20; i++ {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("connection still open after 20 reads")
}

func registerHost(t *testing.T, wsURL, password string) *websocket.Conn {
	t.Helper()
	h := dial(t, wsURL)
	writeFrame(t, h, map[string]any{"type": "register_computer", "password": password})
	m := readUntil(t, h, "registered")
	if m["success"] != true {
		t.Fatalf("registration failed: %v", m)
	}
	return h
}

func connectController(t *testing.T, wsURL, password, name string) (*websocket.Conn, string) {
	t.Helper()
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{
		"type":       "connect_to_computer",
		"password":   password,
		"deviceInfo": map[string]any{"name": name, "browser": "test"},
	})
	m := readUntil(t, c, "connected")
	if m["success"] != true {
		t.Fatalf("connect failed: %v", m)
	}
	sid, _ := m["sessionId"].(string)
	if sid == "" {
		t.Fatalf("missing sessionId: %v", m)
	}
	return c, sid
}

func TestPingPong(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{"type": "ping"})
	m := readFrame(t, c)
	if m["type"] != "pong" {
		t.Fatalf("expected pong, got %v", m)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{"type": "register_computer", "password": "abc"})
	m := readFrame(t, c)
	if m["type"] != "error" || m["message"] != "Invalid password format" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestConnectUnknownPassword(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{"type": "connect_to_computer", "password": "nobody-home"})
	m := readFrame(t, c)
	if m["type"] != "error" || m["message"] != "Computer not found or offline" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestConnectedCarriesSessionAndExpiry(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{
		"type":       "connect_to_computer",
		"password":   "room-password",
		"deviceInfo": map[string]any{"name": "phone"},
	})
	m := readUntil(t, c, "connected")
	if m["success"] != true {
		t.Fatalf("connect failed: %v", m)
	}
	if m["expiresIn"] != float64(1800) {
		t.Fatalf("expected 30m expiry in seconds, got %v", m["expiresIn"])
	}
	if len(m["sessionId"].(string)) < 43 {
		t.Fatalf("session id too short: %v", m["sessionId"])
	}
}

func TestRelayCommandReachesHostWithSessionID(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h := registerHost(t, wsURL, "room-password")
	c, sid := connectController(t, wsURL, "room-password", "phone")

	writeFrame(t, c, map[string]any{"type": "relay", "data": map[string]any{"action": "mouse_move", "x": 10}})
	m := readUntil(t, h, "command")
	if m["sessionId"] != sid {
		t.Fatalf("command not stamped with controller session: %v", m)
	}
	data, ok := m["data"].(map[string]any)
	if !ok || data["action"] != "mouse_move" {
		t.Fatalf("payload not forwarded verbatim: %v", m)
	}
}

func TestHostBroadcastReachesAllControllers(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h := registerHost(t, wsURL, "room-password")
	c1, _ := connectController(t, wsURL, "room-password", "one")
	c2, _ := connectController(t, wsURL, "room-password", "two")

	writeFrame(t, h, map[string]any{"type": "screenshot", "image": "deadbeef"})
	for _, c := range []*websocket.Conn{c1, c2} {
		m := readUntil(t, c, "screenshot")
		if m["image"] != "deadbeef" {
			t.Fatalf("broadcast payload altered: %v", m)
		}
	}
}

func TestHostReplaceNotifiesOldHost(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h1 := registerHost(t, wsURL, "room-password")
	h2 := registerHost(t, wsURL, "room-password")

	m := readUntil(t, h1, "replaced")
	if m["message"] != "Another computer connected with same password" {
		t.Fatalf("unexpected replace notice: %v", m)
	}
	expectClosed(t, h1)

	// The new host owns the password: controllers can still attach.
	connectController(t, wsURL, "room-password", "phone")
	readUntil(t, h2, "users_changed")
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	_, wsURL := newTestServer(t, func(cfg *Config) {
		cfg.MaxFailedAttempts = 2
		cfg.LockoutDuration = 15 * time.Minute
	})
	c := dial(t, wsURL)
	for i := 0; i < 2; i++ {
		writeFrame(t, c, map[string]any{"type": "connect_to_computer", "password": "wrong-password"})
		m := readFrame(t, c)
		if m["message"] != "Computer not found or offline" {
			t.Fatalf("attempt %d: unexpected reply %v", i, m)
		}
	}
	writeFrame(t, c, map[string]any{"type": "connect_to_computer", "password": "wrong-password"})
	m := readFrame(t, c)
	if m["type"] != "error" || m["message"] != "Too many attempts. Try again in 15 minutes" {
		t.Fatalf("expected lockout, got %v", m)
	}
}

func TestMaxSessionsEvictsOldest(t *testing.T) {
	_, wsURL := newTestServer(t, func(cfg *Config) {
		cfg.MaxSessionsPerUser = 1
	})
	registerHost(t, wsURL, "room-password")
	c1, _ := connectController(t, wsURL, "room-password", "old")
	c2, _ := connectController(t, wsURL, "room-password", "new")

	m := readUntil(t, c1, "session_expired")
	if m["reason"] != "max_sessions_exceeded" {
		t.Fatalf("unexpected eviction reason: %v", m)
	}
	if m["message"] != "Session expired" {
		t.Fatalf("unexpected eviction message: %v", m)
	}
	expectClosed(t, c1)

	// The newcomer keeps working.
	writeFrame(t, c2, map[string]any{"type": "get_sessions"})
	list := readUntil(t, c2, "sessions_list")
	if list["total"] != float64(1) {
		t.Fatalf("expected single live session, got %v", list)
	}
}

func TestTrustDeviceThenAutoLogin(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")

	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{
		"type":        "connect_to_computer",
		"password":    "room-password",
		"trustDevice": true,
		"deviceInfo":  map[string]any{"name": "laptop", "browser": "firefox"},
	})
	m := readUntil(t, c, "connected")
	deviceID, _ := m["deviceId"].(string)
	if deviceID == "" {
		t.Fatalf("trustDevice did not issue a deviceId: %v", m)
	}

	c2 := dial(t, wsURL)
	writeFrame(t, c2, map[string]any{"type": "auto_login", "deviceId": deviceID, "password": "room-password"})
	m = readUntil(t, c2, "connected")
	if m["success"] != true {
		t.Fatalf("auto_login failed: %v", m)
	}
}

func TestAutoLoginUnknownDevice(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{"type": "auto_login", "deviceId": "missing", "password": "room-password"})
	m := readFrame(t, c)
	if m["type"] != "auto_login_failed" || m["reason"] != "Device not found" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestAutoLoginAfterPasswordChange(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "old-password")
	registerHost(t, wsURL, "new-password")

	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{
		"type":        "connect_to_computer",
		"password":    "old-password",
		"trustDevice": true,
		"deviceInfo":  map[string]any{"name": "laptop"},
	})
	m := readUntil(t, c, "connected")
	deviceID := m["deviceId"].(string)

	c2 := dial(t, wsURL)
	writeFrame(t, c2, map[string]any{"type": "auto_login", "deviceId": deviceID, "password": "new-password"})
	m = readFrame(t, c2)
	if m["type"] != "auto_login_failed" || m["reason"] != "Password changed" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestKickSession(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c1, _ := connectController(t, wsURL, "room-password", "keeper")
	c2, sid2 := connectController(t, wsURL, "room-password", "victim")

	writeFrame(t, c1, map[string]any{"type": "kick_session", "sessionId": sid2})
	res := readUntil(t, c1, "kick_result")
	if res["success"] != true {
		t.Fatalf("kick failed: %v", res)
	}

	m := readUntil(t, c2, "session_expired")
	if m["reason"] != "kicked" {
		t.Fatalf("unexpected kick reason: %v", m)
	}
	expectClosed(t, c2)
}

func TestKickRejectsForeignSession(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-a-password")
	registerHost(t, wsURL, "room-b-password")
	cA, _ := connectController(t, wsURL, "room-a-password", "a")
	cB, sidB := connectController(t, wsURL, "room-b-password", "b")

	writeFrame(t, cA, map[string]any{"type": "kick_session", "sessionId": sidB})
	res := readUntil(t, cA, "kick_result")
	if res["success"] != false {
		t.Fatalf("cross-password kick must fail: %v", res)
	}

	// The foreign session is untouched.
	writeFrame(t, cB, map[string]any{"type": "get_sessions"})
	list := readUntil(t, cB, "sessions_list")
	if list["total"] != float64(1) {
		t.Fatalf("victim session disappeared: %v", list)
	}
}

func TestGetSessionsMarksCurrent(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c, sid := connectController(t, wsURL, "room-password", "me")
	connectController(t, wsURL, "room-password", "other")

	writeFrame(t, c, map[string]any{"type": "get_sessions"})
	list := readUntil(t, c, "sessions_list")
	sessions, ok := list["sessions"].([]any)
	if !ok || len(sessions) != 2 {
		t.Fatalf("expected 2 sessions: %v", list)
	}
	currents := 0
	for _, raw := range sessions {
		entry := raw.(map[string]any)
		if entry["current"] == true {
			currents++
			if entry["sessionId"] != sid {
				t.Fatalf("wrong session flagged current: %v", entry)
			}
		}
	}
	if currents != 1 {
		t.Fatalf("expected exactly one current session, got %d", currents)
	}
}

func TestPresenceBroadcastOnAttachAndDetach(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h := registerHost(t, wsURL, "room-password")
	connectController(t, wsURL, "room-password", "one")

	m := readUntil(t, h, "users_changed")
	if m["totalCount"] != float64(1) {
		t.Fatalf("expected 1 user: %v", m)
	}

	c2, _ := connectController(t, wsURL, "room-password", "two")
	m = readUntil(t, h, "users_changed")
	if m["totalCount"] != float64(2) {
		t.Fatalf("expected 2 users: %v", m)
	}

	_ = c2.Close()
	m = readUntil(t, h, "users_changed")
	if m["totalCount"] != float64(1) {
		t.Fatalf("expected 1 user after detach: %v", m)
	}
}

func TestHostDisconnectNotifiesControllers(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h := registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")

	_ = h.Close()
	m := readUntil(t, c, "computer_disconnected")
	if m["message"] != "Computer disconnected" {
		t.Fatalf("unexpected notice: %v", m)
	}
}

func TestLogoutDestroysSessionAndCloses(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")
	c2, _ := connectController(t, wsURL, "room-password", "other")

	writeFrame(t, c, map[string]any{"type": "logout"})
	expectClosed(t, c)

	writeFrame(t, c2, map[string]any{"type": "get_sessions"})
	list := readUntil(t, c2, "sessions_list")
	if list["total"] != float64(1) {
		t.Fatalf("logged-out session still listed: %v", list)
	}
}

func TestIdleSessionExpiresOnUse(t *testing.T) {
	_, wsURL := newTestServer(t, func(cfg *Config) {
		cfg.SessionTimeout = 50 * time.Millisecond
		cfg.CleanupInterval = time.Hour // expiry observed via validation, not the sweeper
	})
	registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")

	time.Sleep(120 * time.Millisecond)
	writeFrame(t, c, map[string]any{"type": "relay", "data": map[string]any{}})
	m := readUntil(t, c, "session_expired")
	if m["reason"] != "expired" || m["message"] != "Session expired" {
		t.Fatalf("unexpected expiry notice: %v", m)
	}
	expectClosed(t, c)
}

func TestSecurityLogQuery(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")

	writeFrame(t, c, map[string]any{"type": "get_security_log"})
	m := readUntil(t, c, "security_log")
	events, ok := m["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("expected recorded events: %v", m)
	}
	newest := events[0].(map[string]any)
	if newest["event"] != "SESSION_CREATED" {
		t.Fatalf("expected newest-first ordering with the attach on top: %v", newest)
	}
}

func TestSecurityLogScopedToPassword(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	registerHost(t, wsURL, "other-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")
	connectController(t, wsURL, "other-password", "bob")

	// A failed guess against a third password lands in that password's log.
	x := dial(t, wsURL)
	writeFrame(t, x, map[string]any{
		"type":       "connect_to_computer",
		"password":   "wrong-guess",
		"deviceInfo": map[string]any{"name": "intruder", "browser": "test"},
	})
	readUntil(t, x, "error")

	writeFrame(t, c, map[string]any{"type": "get_security_log"})
	m := readUntil(t, c, "security_log")
	events, ok := m["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("expected recorded events: %v", m)
	}
	for _, raw := range events {
		ev := raw.(map[string]any)
		if ev["event"] == "FAILED_LOGIN_ATTEMPT" {
			t.Fatalf("foreign failed attempt leaked into this log: %v", ev)
		}
		if details, _ := ev["details"].(string); strings.Contains(details, "bob") {
			t.Fatalf("event for another password leaked into this log: %v", ev)
		}
	}
}

func TestTrustedDevicesQuery(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{
		"type":        "connect_to_computer",
		"password":    "room-password",
		"trustDevice": true,
		"deviceInfo":  map[string]any{"name": "laptop", "browser": "firefox"},
	})
	readUntil(t, c, "connected")

	writeFrame(t, c, map[string]any{"type": "get_trusted_devices"})
	m := readUntil(t, c, "trusted_devices")
	devices, ok := m["devices"].([]any)
	if !ok || len(devices) != 1 {
		t.Fatalf("expected one trusted device: %v", m)
	}
	d := devices[0].(map[string]any)
	if d["name"] != "laptop" || d["deviceId"] == "" {
		t.Fatalf("unexpected device entry: %v", d)
	}
}

func TestConnectedUsersQuery(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "one")
	connectController(t, wsURL, "room-password", "two")

	writeFrame(t, c, map[string]any{"type": "get_connected_users"})
	m := readUntil(t, c, "connected_users")
	if m["totalCount"] != float64(2) {
		t.Fatalf("expected 2 connected users: %v", m)
	}
}

func TestFileUploadFlow(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h := registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")

	payload := []byte("hello relay")
	writeFrame(t, c, map[string]any{
		"type":     "file_upload_start",
		"fileName": "hello.txt",
		"fileSize": len(payload),
		"fileType": "text/plain",
	})
	ready := readUntil(t, c, "file_upload_ready")
	transferID, _ := ready["transferId"].(string)
	if transferID == "" {
		t.Fatalf("missing transfer id: %v", ready)
	}

	writeFrame(t, c, map[string]any{
		"type":       "file_chunk",
		"transferId": transferID,
		"chunkIndex": 0,
		"data":       base64.StdEncoding.EncodeToString(payload),
	})
	prog := readUntil(t, c, "file_progress")
	if prog["progress"] != float64(100) {
		t.Fatalf("expected full progress: %v", prog)
	}

	writeFrame(t, c, map[string]any{"type": "file_upload_complete", "transferId": transferID})

	cmd := readUntil(t, h, "file_command")
	if cmd["command"] != "file_receive" || cmd["fileName"] != "hello.txt" {
		t.Fatalf("host did not receive the file: %v", cmd)
	}
	raw, err := base64.StdEncoding.DecodeString(cmd["fileData"].(string))
	if err != nil || string(raw) != string(payload) {
		t.Fatalf("payload mismatch: %q, %v", raw, err)
	}

	done := readUntil(t, c, "file_upload_success")
	if done["transferId"] != transferID {
		t.Fatalf("unexpected success frame: %v", done)
	}
}

func TestFileUploadRejectsOversizeAndBadType(t *testing.T) {
	_, wsURL := newTestServer(t, func(cfg *Config) {
		cfg.MaxFileSize = 16
	})
	registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")

	writeFrame(t, c, map[string]any{"type": "file_upload_start", "fileName": "big", "fileSize": 1 << 20, "fileType": "text/plain"})
	m := readUntil(t, c, "error")
	if m["message"] != "File too large" {
		t.Fatalf("unexpected reply: %v", m)
	}

	writeFrame(t, c, map[string]any{"type": "file_upload_start", "fileName": "evil", "fileSize": 4, "fileType": "application/x-msdownload"})
	m = readUntil(t, c, "error")
	if m["message"] != "File type not allowed" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestFileChunkPastDeclaredSizeRejected(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")

	writeFrame(t, c, map[string]any{"type": "file_upload_start", "fileName": "small", "fileSize": 4, "fileType": "text/plain"})
	ready := readUntil(t, c, "file_upload_ready")
	transferID, _ := ready["transferId"].(string)

	writeFrame(t, c, map[string]any{
		"type":       "file_chunk",
		"transferId": transferID,
		"chunkIndex": 0,
		"data":       base64.StdEncoding.EncodeToString([]byte("way past four bytes")),
	})
	m := readUntil(t, c, "error")
	if m["message"] != "File too large" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestDefaultConfigUploadCap(t *testing.T) {
	if got := DefaultConfig().MaxFileSize; got != 100<<20 {
		t.Fatalf("MaxFileSize default = %d, want %d", got, 100<<20)
	}
}

func TestBrowseRoundTripDirectsToRequester(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h := registerHost(t, wsURL, "room-password")
	c1, sid1 := connectController(t, wsURL, "room-password", "asker")
	c2, _ := connectController(t, wsURL, "room-password", "bystander")

	writeFrame(t, c1, map[string]any{"type": "browse_files", "path": "/tmp"})
	cmd := readUntil(t, h, "file_command")
	if cmd["command"] != "browse_files" || cmd["requesterId"] != sid1 || cmd["path"] != "/tmp" {
		t.Fatalf("host request malformed: %v", cmd)
	}

	writeFrame(t, h, map[string]any{
		"type":        "browse_result_relay",
		"requesterId": sid1,
		"entries":     []any{map[string]any{"name": "file.txt"}},
	})
	res := readUntil(t, c1, "browse_result")
	entries, ok := res["entries"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("browse result not delivered: %v", res)
	}

	// The bystander must see nothing; a ping round-trip proves the quietness.
	writeFrame(t, c2, map[string]any{"type": "ping"})
	m := readFrame(t, c2)
	if m["type"] != "pong" {
		t.Fatalf("bystander received stray frame: %v", m)
	}
}

func TestFileChangeEventBroadcastStampsTimestamp(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	h := registerHost(t, wsURL, "room-password")
	c, _ := connectController(t, wsURL, "room-password", "phone")

	writeFrame(t, h, map[string]any{"type": "file_change_event", "event": "created", "path": "/tmp/new"})
	m := readUntil(t, c, "file_change_event")
	if m["path"] != "/tmp/new" {
		t.Fatalf("event payload altered: %v", m)
	}
	ts, ok := m["timestamp"].(float64)
	if !ok || ts <= 0 {
		t.Fatalf("missing server timestamp: %v", m)
	}
}

func TestStatsCensus(t *testing.T) {
	s, wsURL := newTestServer(t, nil)
	registerHost(t, wsURL, "room-password")
	connectController(t, wsURL, "room-password", "one")
	connectController(t, wsURL, "room-password", "two")

	st := s.Stats()
	if st.Computers != 1 {
		t.Fatalf("expected 1 computer, got %d", st.Computers)
	}
	if st.Clients != 2 {
		t.Fatalf("expected 2 clients, got %d", st.Clients)
	}
	if st.Sessions.Total != 2 || st.Sessions.Active != 2 {
		t.Fatalf("unexpected session stats: %+v", st.Sessions)
	}
}

func TestMalformedFrameGetsError(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	c := dial(t, wsURL)
	if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	m := readFrame(t, c)
	if m["type"] != "error" || m["message"] != "Invalid message format" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	_, wsURL := newTestServer(t, nil)
	c := dial(t, wsURL)
	writeFrame(t, c, map[string]any{"type": "no_such_thing"})
	// The connection stays usable.
	writeFrame(t, c, map[string]any{"type": "ping"})
	m := readFrame(t, c)
	if m["type"] != "pong" {
		t.Fatalf("connection broken by unknown type: %v", m)
	}
}

func TestMaxConnsRejectsExtraConnection(t *testing.T) {
	_, wsURL := newTestServer(t, func(cfg *Config) {
		cfg.MaxConns = 1
	})
	registerHost(t, wsURL, "room-password")

	c2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		// An upgrade-then-close is also acceptable; only a live second
		// connection would be a failure.
		return
	}
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c2.ReadMessage(); err == nil {
		t.Fatal("expected over-capacity connection to be closed")
	}
}
