// Package session tracks per-client proxy sessions and their upstream sockets.
package session

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Session is a soft-state routing association between one client address and
// the proxy's upstream target. It owns a connected upstream socket for its
// lifetime: replies read from that socket belong to this client and no other.
type Session struct {
	mu sync.RWMutex

	// ClientAddr is the address the first datagram arrived from.
	ClientAddr netip.AddrPort

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	lastActivity time.Time
	upstream     *net.UDPConn
	closed       bool

	// inflight counts forwards currently using this session. The sweeper
	// never expires a session while it is non-zero.
	inflight atomic.Int32

	datagramsUp   atomic.Uint64
	datagramsDown atomic.Uint64
	bytesUp       atomic.Uint64
	bytesDown     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Counters is a snapshot of a session's traffic counters.
type Counters struct {
	DatagramsUp   uint64
	DatagramsDown uint64
	BytesUp       uint64
	BytesDown     uint64
}

// New creates a session owning the given connected upstream socket.
func New(clientAddr netip.AddrPort, upstream *net.UDPConn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Session{
		ClientAddr:   clientAddr,
		CreatedAt:    now,
		lastActivity: now,
		upstream:     upstream,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Upstream returns the session's connected upstream socket, or nil after Close.
func (s *Session) Upstream() *net.UDPConn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.upstream
}

// UpdateActivity updates the last activity timestamp.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastActivity
}

// IsExpired reports whether the session has been idle longer than the timeout.
// A session with an in-flight forward is never expired.
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}
	if s.inflight.Load() > 0 {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return now.Sub(s.lastActivity) > timeout
}

// Acquire marks the start of an in-flight forward. It returns false if the
// session is already closed, in which case the caller must not use it.
func (s *Session) Acquire() bool {
	s.inflight.Add(1)
	if s.IsClosed() {
		s.inflight.Add(-1)
		return false
	}
	return true
}

// Release marks the end of an in-flight forward.
func (s *Session) Release() {
	s.inflight.Add(-1)
}

// IsClosed returns true once the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// Context returns the session's context, cancelled on Close.
func (s *Session) Context() context.Context {
	return s.ctx
}

// RecordUp adds a client-to-upstream datagram to the counters.
func (s *Session) RecordUp(bytes int) {
	s.datagramsUp.Add(1)
	s.bytesUp.Add(uint64(bytes))
}

// RecordDown adds an upstream-to-client datagram to the counters.
func (s *Session) RecordDown(bytes int) {
	s.datagramsDown.Add(1)
	s.bytesDown.Add(uint64(bytes))
}

// Counters returns a snapshot of the traffic counters.
func (s *Session) Counters() Counters {
	return Counters{
		DatagramsUp:   s.datagramsUp.Load(),
		DatagramsDown: s.datagramsDown.Load(),
		BytesUp:       s.bytesUp.Load(),
		BytesDown:     s.bytesDown.Load(),
	}
}

// Close terminates the session and releases its upstream socket.
// It is safe to call more than once; only the first call does work.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cancel()

	if s.upstream != nil {
		err := s.upstream.Close()
		s.upstream = nil
		return err
	}

	return nil
}
