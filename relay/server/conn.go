package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/remlink/relay/relay/protocol"
)

// role classifies a transport. Classification is latched on first successful
// registration; a transport never moves between host and controller.
type role int

const (
	roleUnassigned role = iota
	roleHost
	roleController
)

func (r role) String() string {
	switch r {
	case roleHost:
		return "host"
	case roleController:
		return "controller"
	default:
		return "unassigned"
	}
}

var (
	errWriteQueueClosed = errors.New("write queue closed")
	errFrameTooLarge    = errors.New("frame exceeds write queue limit")
)

type outFrame struct {
	data  []byte
	close bool // drain marker: write a close frame and tear the conn down
}

// conn is one live websocket transport plus its latched identity.
type conn struct {
	ws         *websocket.Conn
	remoteAddr string

	alive atomic.Bool // heartbeat liveness flag, reset each probe

	// Identity. Guarded by the server registry mutex.
	role       role
	password   string
	sessionID  string
	deviceInfo protocol.DeviceInfo

	teardownOnce sync.Once

	outMu     sync.Mutex // Guards write queue state.
	outCond   *sync.Cond // Signals enqueue/dequeue events.
	outQueue  []outFrame // Pending frames to write.
	outHead   int        // Read cursor into outQueue.
	outBytes  int        // Buffered bytes in outQueue.
	outClosed bool       // True once the write queue is closed.
}

func newConn(ws *websocket.Conn, remoteAddr string) *conn {
	c := &conn{ws: ws, remoteAddr: remoteAddr}
	c.alive.Store(true)
	c.outCond = sync.NewCond(&c.outMu)
	return c
}

// enqueue appends a frame for the write loop, blocking while the queue is
// over its byte budget. Returns an error once the queue is closed.
func (c *conn) enqueue(frame []byte, maxBytes int) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if maxBytes > 0 && len(frame) > maxBytes {
		return errFrameTooLarge
	}
	for !c.outClosed && maxBytes > 0 && c.outBytes+len(frame) > maxBytes {
		c.outCond.Wait()
	}
	if c.outClosed {
		return errWriteQueueClosed
	}
	c.outQueue = append(c.outQueue, outFrame{data: frame})
	c.outBytes += len(frame)
	c.outCond.Signal()
	return nil
}

// enqueueClose schedules a graceful close after all queued frames are
// flushed, so notices like "replaced" or "session_expired" reach the peer.
func (c *conn) enqueueClose() {
	c.outMu.Lock()
	if !c.outClosed {
		c.outQueue = append(c.outQueue, outFrame{close: true})
		c.outCond.Signal()
	}
	c.outMu.Unlock()
}

func (c *conn) nextWrite() (outFrame, error) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	for !c.outClosed && c.outHead >= len(c.outQueue) {
		c.outCond.Wait()
	}
	if c.outHead >= len(c.outQueue) {
		return outFrame{}, errWriteQueueClosed
	}
	f := c.outQueue[c.outHead]
	c.outQueue[c.outHead] = outFrame{}
	c.outHead++
	if c.outHead > 64 && c.outHead*2 > len(c.outQueue) {
		c.outQueue = append([]outFrame(nil), c.outQueue[c.outHead:]...)
		c.outHead = 0
	}
	return f, nil
}

func (c *conn) finishWrite(n int) {
	c.outMu.Lock()
	c.outBytes -= n
	c.outCond.Broadcast()
	c.outMu.Unlock()
}

func (c *conn) closeWriteQueue() {
	c.outMu.Lock()
	if !c.outClosed {
		c.outClosed = true
		c.outQueue = nil
		c.outHead = 0
		c.outBytes = 0
		c.outCond.Broadcast()
	}
	c.outMu.Unlock()
}
