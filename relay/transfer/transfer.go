// Package transfer buffers chunked uploads in memory until completion. A
// transfer is keyed by a server-issued id; chunks may arrive out of order
// and are concatenated by ascending index on completion.
package transfer

import (
	"encoding/base64"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transfer status values.
const (
	StatusPending      = "pending"
	StatusTransferring = "transferring"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// Transfer directions.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Upload rejection errors. The messages are part of the wire contract.
var (
	ErrFileTooLarge   = errors.New("File too large")
	ErrTypeNotAllowed = errors.New("File type not allowed")
	ErrUnknown        = errors.New("Unknown transfer")
)

// allowedMIME is the upload allowlist; any text/* type is also accepted.
var allowedMIME = map[string]struct{}{
	"image/jpeg":               {},
	"image/png":                {},
	"image/gif":                {},
	"image/webp":               {},
	"application/pdf":          {},
	"application/zip":          {},
	"application/json":         {},
	"application/octet-stream": {},
}

// Config bounds the engine.
type Config struct {
	MaxFileSize      int64         // Reject uploads larger than this.
	RecentFilesLimit int           // FIFO cap of per-password recent files.
	Grace            time.Duration // Retention of completed transfers before purge.
}

// Progress reports chunk ingestion state back to the uploader.
type Progress struct {
	Percent int
	Speed   float64 // bytes per second; 0 when undefined
	ETA     float64 // seconds remaining; 0 when undefined
}

// Completed is the reassembled payload handed to the host.
type Completed struct {
	TransferID string
	FileName   string
	FileSize   int64
	FileType   string
	DataBase64 string
}

// FileInfo is one entry of a password's recent files list.
type FileInfo struct {
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileType   string `json:"fileType"`
	UploadedAt int64  `json:"uploadedAt"`
}

type transferState struct {
	id           string
	fileName     string
	fileSize     int64
	fileType     string
	password     string
	sessionID    string
	direction    string
	chunks       map[int][]byte
	receivedSize int64
	status       string
	startTime    time.Time
	doneAt       time.Time
}

// Engine owns all in-flight transfers and recent-file lists.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	transfers map[string]*transferState
	recent    map[string][]FileInfo
}

// NewEngine returns an engine with the given bounds.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 << 20
	}
	if cfg.RecentFilesLimit <= 0 {
		cfg.RecentFilesLimit = 10
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		transfers: make(map[string]*transferState),
		recent:    make(map[string][]FileInfo),
	}
}

// TypeAllowed reports whether a MIME type may be uploaded.
func TypeAllowed(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	_, ok := allowedMIME[mime]
	return ok
}

// Start validates and opens an upload, returning the transfer id.
func (e *Engine) Start(password, sessionID, fileName string, fileSize int64, fileType string, now time.Time) (string, error) {
	if fileSize > e.cfg.MaxFileSize {
		return "", ErrFileTooLarge
	}
	if !TypeAllowed(fileType) {
		return "", ErrTypeNotAllowed
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.transfers[id] = &transferState{
		id:        id,
		fileName:  fileName,
		fileSize:  fileSize,
		fileType:  fileType,
		password:  password,
		sessionID: sessionID,
		direction: DirectionUpload,
		chunks:    make(map[int][]byte),
		status:    StatusPending,
		startTime: now,
	}
	e.mu.Unlock()
	return id, nil
}

// Chunk decodes and stores one base64 chunk. Duplicate indices overwrite;
// out-of-order arrival is fine. A chunk that would push the received total
// past the declared file size fails the whole transfer and drops its buffers:
// the declared size is the bound the engine admits into memory.
func (e *Engine) Chunk(id string, index int, data string, now time.Time) (Progress, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Progress{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.transfers[id]
	if t == nil || (t.status != StatusPending && t.status != StatusTransferring) {
		return Progress{}, ErrUnknown
	}
	next := t.receivedSize + int64(len(raw))
	if prev, ok := t.chunks[index]; ok {
		next -= int64(len(prev))
	}
	if next > t.fileSize {
		t.status = StatusFailed
		t.chunks = nil
		t.receivedSize = 0
		t.doneAt = now
		return Progress{}, ErrFileTooLarge
	}
	t.chunks[index] = raw
	t.receivedSize = next
	t.status = StatusTransferring
	return t.progress(now), nil
}

// Complete concatenates the stored chunks in ascending index order, records
// the file in the password's recent list, and keeps the transfer around for
// the grace window.
func (e *Engine) Complete(id string, now time.Time) (Completed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.transfers[id]
	if t == nil || (t.status != StatusPending && t.status != StatusTransferring) {
		return Completed{}, ErrUnknown
	}
	indices := make([]int, 0, len(t.chunks))
	for i := range t.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	assembled := make([]byte, 0, t.receivedSize)
	for _, i := range indices {
		assembled = append(assembled, t.chunks[i]...)
	}
	t.status = StatusCompleted
	t.doneAt = now
	t.chunks = nil

	files := append(e.recent[t.password], FileInfo{
		FileName:   t.fileName,
		FileSize:   t.fileSize,
		FileType:   t.fileType,
		UploadedAt: now.UnixMilli(),
	})
	if len(files) > e.cfg.RecentFilesLimit {
		files = files[len(files)-e.cfg.RecentFilesLimit:]
	}
	e.recent[t.password] = files

	return Completed{
		TransferID: t.id,
		FileName:   t.fileName,
		FileSize:   t.fileSize,
		FileType:   t.fileType,
		DataBase64: base64.StdEncoding.EncodeToString(assembled),
	}, nil
}

// Cancel marks a transfer cancelled and drops its buffers.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	delete(e.transfers, id)
	e.mu.Unlock()
}

// CancelFor drops every in-flight transfer owned by a session. Called when
// the uploader's transport disappears.
func (e *Engine) CancelFor(sessionID string) {
	e.mu.Lock()
	for id, t := range e.transfers {
		if t.sessionID == sessionID && t.status != StatusCompleted {
			delete(e.transfers, id)
		}
	}
	e.mu.Unlock()
}

// RecentFor returns the recent files list for a password, oldest first.
func (e *Engine) RecentFor(password string) []FileInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FileInfo, len(e.recent[password]))
	copy(out, e.recent[password])
	return out
}

// ActiveCount reports in-flight (non-completed) transfers.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.transfers {
		if t.status == StatusPending || t.status == StatusTransferring {
			n++
		}
	}
	return n
}

// Sweep purges completed and failed transfers past the grace window.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	for id, t := range e.transfers {
		if (t.status == StatusCompleted || t.status == StatusFailed) && now.Sub(t.doneAt) >= e.cfg.Grace {
			delete(e.transfers, id)
		}
	}
	e.mu.Unlock()
}

// progress computes percent, speed, and ETA; all are 0 when undefined.
func (t *transferState) progress(now time.Time) Progress {
	var p Progress
	if t.fileSize > 0 {
		p.Percent = int(t.receivedSize * 100 / t.fileSize)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	elapsed := now.Sub(t.startTime).Seconds()
	if elapsed > 0 {
		p.Speed = float64(t.receivedSize) / elapsed
	}
	if p.Speed > 0 && t.fileSize > t.receivedSize {
		p.ETA = float64(t.fileSize-t.receivedSize) / p.Speed
	}
	return p
}
