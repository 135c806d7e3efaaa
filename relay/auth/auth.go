// Package auth contains the relay's brute-force containment, trusted device
// registry, and append-only security log. All state is in-memory and guarded
// by a single mutex; none of the methods perform I/O.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/remlink/relay/internal/ident"
	"github.com/remlink/relay/relay/protocol"
)

// Security event names recorded in the log.
const (
	EventComputerRegistered      = "COMPUTER_REGISTERED"
	EventComputerReplaced        = "COMPUTER_REPLACED"
	EventFailedAttempt           = "FAILED_LOGIN_ATTEMPT"
	EventLockout                 = "LOCKOUT_TRIGGERED"
	EventSessionCreated          = "SESSION_CREATED"
	EventSessionDestroyed        = "SESSION_DESTROYED"
	EventTrustedDeviceRegistered = "TRUSTED_DEVICE_REGISTERED"
	EventTrustedDeviceLogin      = "TRUSTED_DEVICE_LOGIN"
	EventTrustedDeviceExpired    = "TRUSTED_DEVICE_EXPIRED"
)

// Trusted device validation failures. The messages are part of the wire
// contract for auto_login_failed.
var (
	ErrDeviceNotFound  = errors.New("Device not found")
	ErrDeviceExpired   = errors.New("Device trust expired")
	ErrPasswordChanged = errors.New("Password changed")
)

// Config bounds the guard's containment behavior.
type Config struct {
	MaxFailedAttempts   int           // Attempts before a password locks.
	LockoutDuration     time.Duration // Lockout window from the last failed attempt.
	TrustedDeviceExpiry time.Duration // Trusted device lifetime from creation.
	SecurityLogLimit    int           // Ring capacity for the security log.
}

// Lockout reports whether a password is currently locked out.
type Lockout struct {
	Locked           bool
	RemainingMinutes int
}

// TrustedDevice is a long-lived credential permitting auto_login.
type TrustedDevice struct {
	DeviceID     string
	PasswordHash string
	Name         string
	Browser      string
	CreatedAt    time.Time
	LastUsed     time.Time
}

type failedAttempts struct {
	count       int
	lastAttempt time.Time
}

// scopedEvent tags a log entry with the hash of the password it concerns so
// queries only ever surface a caller's own events.
type scopedEvent struct {
	passwordHash string
	event        protocol.SecurityEvent
}

// Guard owns failed-attempt counters, trusted devices, and the security log.
type Guard struct {
	cfg Config

	mu      sync.Mutex
	failed  map[string]*failedAttempts
	devices map[string]*TrustedDevice
	events  []scopedEvent // newest-first
}

// NewGuard returns a guard with the given bounds.
func NewGuard(cfg Config) *Guard {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.TrustedDeviceExpiry <= 0 {
		cfg.TrustedDeviceExpiry = 30 * 24 * time.Hour
	}
	if cfg.SecurityLogLimit <= 0 {
		cfg.SecurityLogLimit = 100
	}
	return &Guard{
		cfg:     cfg,
		failed:  make(map[string]*failedAttempts),
		devices: make(map[string]*TrustedDevice),
	}
}

// ValidatePasswordFormat reports whether pw is acceptable as a host password.
func ValidatePasswordFormat(pw string) bool {
	return len(pw) >= protocol.MinPasswordLen
}

// HashPassword returns the hex SHA-256 of a password. Trusted devices store
// the hash so a password rotation silently invalidates the trust.
func HashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

// CheckLockout reports the lockout state for a password. An entry whose
// window has elapsed is cleared as a side effect.
func (g *Guard) CheckLockout(pw string, now time.Time) Lockout {
	g.mu.Lock()
	defer g.mu.Unlock()
	fa := g.failed[pw]
	if fa == nil || fa.count < g.cfg.MaxFailedAttempts {
		return Lockout{}
	}
	elapsed := now.Sub(fa.lastAttempt)
	if elapsed >= g.cfg.LockoutDuration {
		delete(g.failed, pw)
		return Lockout{}
	}
	remaining := g.cfg.LockoutDuration - elapsed
	mins := int((remaining + time.Minute - 1) / time.Minute)
	return Lockout{Locked: true, RemainingMinutes: mins}
}

// LockoutMessage formats the user-facing lockout error.
func LockoutMessage(l Lockout) string {
	return fmt.Sprintf("Too many attempts. Try again in %d minutes", l.RemainingMinutes)
}

// RecordFailedAttempt bumps the counter and stamps the attempt time.
func (g *Guard) RecordFailedAttempt(pw string, now time.Time) {
	g.mu.Lock()
	fa := g.failed[pw]
	if fa == nil {
		fa = &failedAttempts{}
		g.failed[pw] = fa
	}
	fa.count++
	fa.lastAttempt = now
	g.mu.Unlock()
}

// ClearFailures resets the counter after an explicit success.
func (g *Guard) ClearFailures(pw string) {
	g.mu.Lock()
	delete(g.failed, pw)
	g.mu.Unlock()
}

// RegisterTrustedDevice issues a fresh device credential bound to the
// current password hash.
func (g *Guard) RegisterTrustedDevice(pw string, info protocol.DeviceInfo, now time.Time) (string, error) {
	id, err := ident.New(ident.DeviceIDBytes)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.devices[id] = &TrustedDevice{
		DeviceID:     id,
		PasswordHash: HashPassword(pw),
		Name:         info.Name,
		Browser:      info.Browser,
		CreatedAt:    now,
		LastUsed:     now,
	}
	g.mu.Unlock()
	return id, nil
}

// ValidateTrustedDevice checks a device credential against the presented
// password. Expired devices are deleted as a side effect. On success the
// device's LastUsed is bumped and a copy of the record is returned.
func (g *Guard) ValidateTrustedDevice(pw, deviceID string, now time.Time) (TrustedDevice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.devices[deviceID]
	if d == nil {
		return TrustedDevice{}, ErrDeviceNotFound
	}
	if now.Sub(d.CreatedAt) >= g.cfg.TrustedDeviceExpiry {
		delete(g.devices, deviceID)
		return TrustedDevice{}, ErrDeviceExpired
	}
	if d.PasswordHash != HashPassword(pw) {
		return TrustedDevice{}, ErrPasswordChanged
	}
	d.LastUsed = now
	return *d, nil
}

// DevicesFor lists the trusted devices registered under a password.
func (g *Guard) DevicesFor(pw string) []TrustedDevice {
	hash := HashPassword(pw)
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []TrustedDevice
	for _, d := range g.devices {
		if d.PasswordHash == hash {
			out = append(out, *d)
		}
	}
	return out
}

// LogEvent records an event against a password, appending newest-first and
// capping the log at its configured limit.
func (g *Guard) LogEvent(pw, event, details, ip string, now time.Time) {
	g.mu.Lock()
	e := scopedEvent{
		passwordHash: HashPassword(pw),
		event: protocol.SecurityEvent{
			Timestamp: now.UnixMilli(),
			Event:     event,
			Details:   details,
			IP:        ip,
		},
	}
	g.events = append([]scopedEvent{e}, g.events...)
	if len(g.events) > g.cfg.SecurityLogLimit {
		g.events = g.events[:g.cfg.SecurityLogLimit]
	}
	g.mu.Unlock()
}

// EventsFor returns the security log entries recorded against a password,
// newest first.
func (g *Guard) EventsFor(pw string) []protocol.SecurityEvent {
	hash := HashPassword(pw)
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []protocol.SecurityEvent
	for _, e := range g.events {
		if e.passwordHash == hash {
			out = append(out, e.event)
		}
	}
	return out
}

// Sweep drops elapsed lockout entries and expired trusted devices.
func (g *Guard) Sweep(now time.Time) {
	g.mu.Lock()
	for pw, fa := range g.failed {
		if now.Sub(fa.lastAttempt) >= g.cfg.LockoutDuration {
			delete(g.failed, pw)
		}
	}
	for id, d := range g.devices {
		if now.Sub(d.CreatedAt) >= g.cfg.TrustedDeviceExpiry {
			delete(g.devices, id)
		}
	}
	g.mu.Unlock()
}
