package session

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrTableClosed is returned when the table has been shut down.
	ErrTableClosed = errors.New("session table closed")

	// ErrSessionLimit is returned when MaxSessions would be exceeded.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrSessionRate is returned when session creation is rate limited.
	ErrSessionRate = errors.New("session creation rate limited")
)

// DialFunc creates the upstream socket for a new session.
type DialFunc func(clientAddr netip.AddrPort) (*net.UDPConn, error)

// Table maps client addresses to sessions. All methods are safe for
// concurrent use; at most one session exists per client address even when
// datagrams for the same new client arrive concurrently.
type Table struct {
	mu       sync.RWMutex
	sessions map[netip.AddrPort]*Session
	closed   bool

	maxSessions int
	limiter     *rate.Limiter // nil when unlimited
}

// NewTable creates a session table. maxSessions of 0 means unlimited.
// sessionRate of 0 disables the creation rate limit.
func NewTable(maxSessions int, sessionRate float64, sessionBurst int) *Table {
	t := &Table{
		sessions:    make(map[netip.AddrPort]*Session),
		maxSessions: maxSessions,
	}
	if sessionRate > 0 {
		if sessionBurst < 1 {
			sessionBurst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(sessionRate), sessionBurst)
	}
	return t
}

// LookupOrCreate returns the session for clientAddr, creating it via dial if
// none exists. The second return value reports whether a new session was
// created. Under concurrent calls for the same new address, exactly one
// caller dials; the others reuse the winner's session.
func (t *Table) LookupOrCreate(clientAddr netip.AddrPort, dial DialFunc) (*Session, bool, error) {
	// Fast path (read lock)
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, false, ErrTableClosed
	}
	if sess, ok := t.sessions[clientAddr]; ok {
		t.mu.RUnlock()
		sess.UpdateActivity()
		return sess, false, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, ErrTableClosed
	}

	// Double-check: another goroutine may have won the race.
	if sess, ok := t.sessions[clientAddr]; ok {
		sess.UpdateActivity()
		return sess, false, nil
	}

	if t.maxSessions > 0 && len(t.sessions) >= t.maxSessions {
		return nil, false, ErrSessionLimit
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return nil, false, ErrSessionRate
	}

	upstream, err := dial(clientAddr)
	if err != nil {
		return nil, false, err
	}

	sess := New(clientAddr, upstream)
	t.sessions[clientAddr] = sess
	return sess, true, nil
}

// Lookup returns the session for clientAddr, or nil.
func (t *Table) Lookup(clientAddr netip.AddrPort) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.sessions[clientAddr]
}

// Remove deletes the session for clientAddr and closes it, reporting
// whether a session was actually removed.
func (t *Table) Remove(clientAddr netip.AddrPort) bool {
	t.mu.Lock()
	sess := t.sessions[clientAddr]
	delete(t.sessions, clientAddr)
	t.mu.Unlock()

	if sess != nil {
		sess.Close()
		return true
	}
	return false
}

// RemoveSession removes sess only if it is still the table's session for its
// client address, so a loop holding a stale session cannot evict a newer one.
func (t *Table) RemoveSession(sess *Session) bool {
	t.mu.Lock()
	current, ok := t.sessions[sess.ClientAddr]
	if ok && current == sess {
		delete(t.sessions, sess.ClientAddr)
	} else {
		ok = false
	}
	t.mu.Unlock()

	sess.Close()
	return ok
}

// Sweep removes sessions idle longer than idleTimeout, closes their upstream
// sockets, and returns them. Sessions with in-flight forwards survive.
func (t *Table) Sweep(now time.Time, idleTimeout time.Duration) []*Session {
	t.mu.Lock()
	var expired []*Session
	for addr, sess := range t.sessions {
		if sess.IsExpired(now, idleTimeout) {
			expired = append(expired, sess)
			delete(t.sessions, addr)
		}
	}
	t.mu.Unlock()

	for _, sess := range expired {
		sess.Close()
	}

	return expired
}

// Len returns the number of active sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.sessions)
}

// Snapshot returns all current sessions.
func (t *Table) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, sess)
	}
	return out
}

// Close shuts the table down and closes every session. Further
// LookupOrCreate calls fail with ErrTableClosed.
func (t *Table) Close() []*Session {
	t.mu.Lock()
	t.closed = true
	remaining := make([]*Session, 0, len(t.sessions))
	for addr, sess := range t.sessions {
		remaining = append(remaining, sess)
		delete(t.sessions, addr)
	}
	t.mu.Unlock()

	for _, sess := range remaining {
		sess.Close()
	}

	return remaining
}
