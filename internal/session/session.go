// Package session models the Session Handle: a single-writer capability
// to deliver one message at a time to one worker. Grounded on the
// teacher's internal/api/handlers.go streamHandler (WS upgrade, ping/pong,
// read-loop-driven close detection).
package session

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Result classifies the outcome of a single Deliver call. Per spec.md's
// design notes (§9), the public delivery operation is total: it never
// raises to the broadcast/benchmark/map-reduce layers.
type Result int

const (
	// OK: the message was written successfully.
	OK Result = iota
	// Transient: the write failed but the session may still be usable;
	// logged, recipient stays registered.
	Transient
	// Dead: the write failed with a classification meaning the session
	// can never be used again; recipient must be evicted.
	Dead
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Transient:
		return "transient"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is the Session Handle: the hub's capability to deliver one
// message to one worker and to know when that worker has gone away.
type Session interface {
	// Deliver sends v (JSON-encoded) to the worker. Total: never panics,
	// never returns a raw error to callers outside this package.
	Deliver(ctx context.Context, v any) Result
	// Closed reports whether the session has already been classified Dead.
	Closed() bool
	// Close disposes the handle; idempotent.
	Close()
}

// deadSessionMessages mirrors the platform signal set from spec.md §4.1
// ({"disposed handle", "cross-request I/O"}); classifyDeliveryError
// documents the equivalence used by the Go port so eviction behavior
// matches the source semantics exactly.
var deadSessionMessages = []string{
	"disposed handle",
	"cross-request i/o",
	"use of closed network connection",
	"websocket: close sent",
}

// classifyDeliveryError maps a raw transport error to a Result. A nil
// error always means OK; any error matching the dead-session set or a
// well-known permanent websocket/net close classifies as Dead, anything
// else is Transient.
func classifyDeliveryError(err error) Result {
	if err == nil {
		return OK
	}
	if websocket.IsUnexpectedCloseError(err) || errors.Is(err, net.ErrClosed) {
		return Dead
	}
	lower := strings.ToLower(err.Error())
	for _, m := range deadSessionMessages {
		if strings.Contains(lower, m) {
			return Dead
		}
	}
	return Transient
}

// WSSession is the gorilla/websocket-backed Session implementation used
// by the real hub process.
type WSSession struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// NewWS wraps an upgraded websocket connection as a Session.
func NewWS(conn *websocket.Conn, logger *zap.Logger) *WSSession {
	return &WSSession{conn: conn, logger: logger}
}

// Deliver writes v as a single WS text frame. Single-writer: guarded by
// writeMu so concurrent deliveries to the same session serialize, which
// is what gives spec.md §5's "messages delivered in dispatch order"
// guarantee for a single session.
func (s *WSSession) Deliver(ctx context.Context, v any) Result {
	s.closeMu.Lock()
	alreadyClosed := s.closed
	s.closeMu.Unlock()
	if alreadyClosed {
		return Dead
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return classifyDeliveryError(err)
	}

	result := classifyDeliveryError(s.conn.WriteJSON(v))
	if result == Dead {
		s.markClosed()
	}
	if result == Transient && s.logger != nil {
		s.logger.Warn("transient delivery failure")
	}
	return result
}

// Closed reports whether this handle has been classified Dead or
// explicitly Close()d.
func (s *WSSession) Closed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// Close disposes the handle. Idempotent.
func (s *WSSession) Close() {
	s.markClosed()
	_ = s.conn.Close()
}

func (s *WSSession) markClosed() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closed = true
}
