// Package protocol defines the JSON wire contract between the relay server,
// registered hosts, and attached controllers. Every frame is a UTF-8 JSON
// object carrying a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
)

// Inbound message types.
const (
	TypePing              = "ping"
	TypeRegisterComputer  = "register_computer"
	TypeConnectToComputer = "connect_to_computer"
	TypeAutoLogin         = "auto_login"
	TypeRelay             = "relay"
	TypeScreenshot        = "screenshot"
	TypeResult            = "result"
	TypeGetSessions       = "get_sessions"
	TypeKickSession       = "kick_session"
	TypeLogout            = "logout"
	TypeGetSecurityLog    = "get_security_log"
	TypeGetTrustedDevices = "get_trusted_devices"
	TypeGetConnectedUsers = "get_connected_users"

	TypeFileUploadStart    = "file_upload_start"
	TypeFileChunk          = "file_chunk"
	TypeFileUploadComplete = "file_upload_complete"
	TypeFileCancel         = "file_cancel"

	TypeFileDownloadRequest = "file_download_request"
	TypeBrowseFiles         = "browse_files"
	TypeFileOperation       = "file_operation"
	TypeStartFileWatcher    = "start_file_watcher"
	TypeStopFileWatcher     = "stop_file_watcher"
	TypeGetWatchedFolders   = "get_watched_folders"

	TypeFileDownloadResponse = "file_download_response"
	TypeFileOperationResult  = "file_operation_result"
	TypeBrowseResultRelay    = "browse_result_relay"
	TypeWatcherResult        = "watcher_result"
	TypeWatchedFolders       = "watched_folders"
	TypeFileChangeEvent      = "file_change_event"
)

// Outbound message types.
const (
	TypePong                 = "pong"
	TypeError                = "error"
	TypeRegistered           = "registered"
	TypeReplaced             = "replaced"
	TypeConnected            = "connected"
	TypeAutoLoginFailed      = "auto_login_failed"
	TypeCommand              = "command"
	TypeFileCommand          = "file_command"
	TypeSessionExpired       = "session_expired"
	TypeSessionsList         = "sessions_list"
	TypeKickResult           = "kick_result"
	TypeSecurityLog          = "security_log"
	TypeTrustedDevices       = "trusted_devices"
	TypeConnectedUsers       = "connected_users"
	TypeUsersChanged         = "users_changed"
	TypeComputerDisconnected = "computer_disconnected"
	TypeFileUploadReady      = "file_upload_ready"
	TypeFileProgress         = "file_progress"
	TypeFileUploadSuccess    = "file_upload_success"
	TypeBrowseResult         = "browse_result"
)

// MinPasswordLen is the minimum accepted password length.
const MinPasswordLen = 4

var errMissingType = errors.New("missing message type")

// PeekType extracts the type discriminator without decoding the payload.
func PeekType(frame []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", err
	}
	if env.Type == "" {
		return "", errMissingType
	}
	return env.Type, nil
}

// DeviceInfo is the descriptor a controller supplies about itself.
type DeviceInfo struct {
	Name    string `json:"name,omitempty"`
	Browser string `json:"browser,omitempty"`
	Trusted bool   `json:"trusted,omitempty"`
}

// RegisterComputer registers the sending transport as the host for a password.
type RegisterComputer struct {
	Password string          `json:"password"`
	Info     json.RawMessage `json:"info,omitempty"`
}

// ConnectToComputer attaches the sending transport as a controller.
type ConnectToComputer struct {
	Password    string     `json:"password"`
	TrustDevice bool       `json:"trustDevice,omitempty"`
	DeviceInfo  DeviceInfo `json:"deviceInfo,omitempty"`
}

// AutoLogin attaches using a previously issued trusted device credential.
type AutoLogin struct {
	DeviceID string `json:"deviceId"`
	Password string `json:"password"`
}

// Relay carries an opaque command payload from a controller to its host.
type Relay struct {
	Data json.RawMessage `json:"data"`
}

// KickSession asks the server to destroy another session of the same password.
type KickSession struct {
	SessionID string `json:"sessionId"`
}

// FileUploadStart opens a chunked upload.
type FileUploadStart struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

// FileChunk carries one base64 chunk of an open upload.
type FileChunk struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

// FileUploadComplete finishes an upload and triggers reassembly.
type FileUploadComplete struct {
	TransferID string `json:"transferId"`
}

// FileCancel aborts an in-flight upload.
type FileCancel struct {
	TransferID string `json:"transferId"`
}

// Directed is the minimal shape of host responses addressed to a single
// controller by its session id.
type Directed struct {
	RequesterID string `json:"requesterId"`
}

// Outbound frames. The Type field is fixed by the constructor helpers below
// so handlers never emit a frame with a mismatched discriminator.

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong { return Pong{Type: TypePong} }

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error { return Error{Type: TypeError, Message: message} }

type Registered struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

func NewRegistered() Registered { return Registered{Type: TypeRegistered, Success: true} }

type Replaced struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewReplaced() Replaced {
	return Replaced{Type: TypeReplaced, Message: "Another computer connected with same password"}
}

type Connected struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId,omitempty"`
	ExpiresIn int64  `json:"expiresIn"`
}

type AutoLoginFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewAutoLoginFailed(reason string) AutoLoginFailed {
	return AutoLoginFailed{Type: TypeAutoLoginFailed, Reason: reason}
}

// Command wraps a controller relay payload for delivery to the host.
type Command struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type SessionExpired struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// SessionInfo is one entry of a sessions_list reply.
type SessionInfo struct {
	SessionID    string     `json:"sessionId"`
	DeviceInfo   DeviceInfo `json:"deviceInfo"`
	CreatedAt    int64      `json:"createdAt"`
	LastActivity int64      `json:"lastActivity"`
	Current      bool       `json:"current,omitempty"`
}

type SessionsList struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

type KickResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// UserInfo is one attached controller in presence messages.
type UserInfo struct {
	SessionID  string     `json:"sessionId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// Presence is the payload shared by users_changed and connected_users.
type Presence struct {
	Type       string     `json:"type"`
	Users      []UserInfo `json:"users"`
	TotalCount int        `json:"totalCount"`
}

type ComputerDisconnected struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewComputerDisconnected() ComputerDisconnected {
	return ComputerDisconnected{Type: TypeComputerDisconnected, Message: "Computer disconnected"}
}

type FileUploadReady struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	TransferID string `json:"transferId"`
}

type FileProgress struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transferId"`
	Progress   int     `json:"progress"`
	Speed      float64 `json:"speed"`
	ETA        float64 `json:"eta"`
}

type FileUploadSuccess struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
}

// SecurityEvent is one entry of the security log as it appears on the wire.
type SecurityEvent struct {
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Details   string `json:"details"`
	IP        string `json:"ip,omitempty"`
}

type SecurityLog struct {
	Type   string          `json:"type"`
	Events []SecurityEvent `json:"events"`
}

// TrustedDeviceInfo is one entry of a trusted_devices reply.
type TrustedDeviceInfo struct {
	DeviceID  string `json:"deviceId"`
	Name      string `json:"name,omitempty"`
	Browser   string `json:"browser,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	LastUsed  int64  `json:"lastUsed"`
}

type TrustedDevices struct {
	Type    string              `json:"type"`
	Devices []TrustedDeviceInfo `json:"devices"`
}
