package observability

import (
	"sync"
	"sync/atomic"
)

type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

type AttachReason string

const (
	AttachReasonOK                 AttachReason = "ok"
	AttachReasonUpgradeError       AttachReason = "upgrade_error"
	AttachReasonTooManyConnections AttachReason = "too_many_connections"
	AttachReasonInvalidPassword    AttachReason = "invalid_password"
	AttachReasonLockedOut          AttachReason = "locked_out"
	AttachReasonUnknownHost        AttachReason = "unknown_host"
	AttachReasonUntrustedDevice    AttachReason = "untrusted_device"
	AttachReasonInternalError      AttachReason = "internal_error"
)

type CloseReason string

const (
	CloseReasonPeerClosed     CloseReason = "peer_closed"
	CloseReasonHeartbeat      CloseReason = "heartbeat_timeout"
	CloseReasonReplaced       CloseReason = "replaced"
	CloseReasonSessionExpired CloseReason = "session_expired"
	CloseReasonKicked         CloseReason = "kicked"
	CloseReasonLogout         CloseReason = "logout"
	CloseReasonWriteError     CloseReason = "write_error"
)

// RelayKind labels routed frames by their path through the relay.
type RelayKind string

const (
	RelayKindCommand     RelayKind = "command"
	RelayKindBroadcast   RelayKind = "broadcast"
	RelayKindDirected    RelayKind = "directed"
	RelayKindFileCommand RelayKind = "file_command"
	RelayKindPresence    RelayKind = "presence"
)

// RelayObserver receives relay-level metric events.
type RelayObserver interface {
	ConnCount(n int64)
	HostCount(n int)
	SessionCount(n int)
	Attach(result AttachResult, reason AttachReason)
	Close(reason CloseReason)
	Relayed(kind RelayKind)
	TransferBytes(n int64)
}

type noopRelayObserver struct{}

func (noopRelayObserver) ConnCount(int64)                   {}
func (noopRelayObserver) HostCount(int)                     {}
func (noopRelayObserver) SessionCount(int)                  {}
func (noopRelayObserver) Attach(AttachResult, AttachReason) {}
func (noopRelayObserver) Close(CloseReason)                 {}
func (noopRelayObserver) Relayed(RelayKind)                 {}
func (noopRelayObserver) TransferBytes(int64)               {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// AtomicRelayObserver swaps its delegate at runtime.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) ConnCount(n int64)  { a.load().ConnCount(n) }
func (a *AtomicRelayObserver) HostCount(n int)    { a.load().HostCount(n) }
func (a *AtomicRelayObserver) SessionCount(n int) { a.load().SessionCount(n) }
func (a *AtomicRelayObserver) Attach(result AttachResult, reason AttachReason) {
	a.load().Attach(result, reason)
}
func (a *AtomicRelayObserver) Close(reason CloseReason) { a.load().Close(reason) }
func (a *AtomicRelayObserver) Relayed(kind RelayKind)   { a.load().Relayed(kind) }
func (a *AtomicRelayObserver) TransferBytes(n int64)    { a.load().TransferBytes(n) }
